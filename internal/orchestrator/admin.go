package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"attendance-sync-backend/internal/apperr"
	"attendance-sync-backend/internal/device"
	"attendance-sync-backend/internal/model"
	"attendance-sync-backend/internal/parse"
	"attendance-sync-backend/internal/store"
	"attendance-sync-backend/internal/zkproto"
)

const (
	firstUID    = 1
	firstUserID = 1000
)

// DeviceInput registers a device.
type DeviceInput struct {
	Name      string
	Variant   model.Variant
	MachineIP string
	Port      int
	APIURL    string
	APIKey    string
	APISecret string
}

// RegisterDevice validates and stores a new device in Idle mode.
func (o *Orchestrator) RegisterDevice(ctx context.Context, in DeviceInput) (model.Device, error) {
	dev := model.Device{
		ID:        uuid.NewString(),
		Name:      strings.TrimSpace(in.Name),
		Variant:   in.Variant,
		MachineIP: strings.TrimSpace(in.MachineIP),
		Port:      in.Port,
		APIURL:    strings.TrimSpace(in.APIURL),
		APIKey:    in.APIKey,
		APISecret: in.APISecret,
		IsActive:  true,
	}
	if dev.Name == "" {
		return model.Device{}, apperr.Invalid("name", "is required")
	}
	if dev.Variant == model.VariantCloudAPI && (dev.APIKey == "" || dev.APISecret == "") {
		return model.Device{}, apperr.Invalid("api_key", "cloud devices need an api key and secret")
	}
	// The factory rejects incomplete endpoints.
	if _, err := o.clients.New(dev); err != nil {
		return model.Device{}, err
	}
	if err := o.store.CreateDevice(ctx, &dev); err != nil {
		return model.Device{}, err
	}
	o.log.Info("device registered", "device_id", dev.ID, "variant", dev.Variant, "name", dev.Name)
	return dev, nil
}

// UpdateDevice edits a device. A running worker restarts with the new
// settings; new credentials drop the cached token.
func (o *Orchestrator) UpdateDevice(ctx context.Context, id string, upd store.DeviceUpdate) (model.Device, error) {
	dev, err := o.store.UpdateDevice(ctx, id, upd)
	if err != nil {
		return model.Device{}, err
	}
	if o.tokens != nil && (upd.APIURL != nil || upd.APIKey != nil || upd.APISecret != nil) {
		o.tokens.Forget(id)
	}

	endpoint := upd.MachineIP != nil || upd.Port != nil || upd.APIURL != nil
	if endpoint && dev.IsLive {
		unlock := o.lockMode(id)
		defer unlock()
		if o.Mode(id) == model.ModeLiveCapture {
			o.startLive(id)
		}
	}
	return dev, nil
}

func (o *Orchestrator) activeDevice(ctx context.Context, id string) (model.Device, error) {
	dev, err := o.store.GetDevice(ctx, id)
	if err != nil {
		return model.Device{}, err
	}
	if !dev.IsActive {
		return model.Device{}, apperr.Invalid("device", "device %s is archived", id)
	}
	return dev, nil
}

// SetSchedule arms the fetch timer with an "HH:MM" interval, replacing live
// capture. Local devices must answer a connectivity test first.
func (o *Orchestrator) SetSchedule(ctx context.Context, id, duration string) (model.Device, error) {
	every, err := parse.ParseInterval(duration)
	if err != nil {
		return model.Device{}, apperr.Invalid("scheduler_duration", "%v", err)
	}
	unlock := o.lockMode(id)
	defer unlock()

	dev, err := o.activeDevice(ctx, id)
	if err != nil {
		return model.Device{}, err
	}
	if dev.Variant == model.VariantLocalProtocol {
		if err := o.TestConnectivity(ctx, id); err != nil {
			return model.Device{}, err
		}
	}

	dev, err = o.store.SetMode(ctx, id, model.ModeScheduled, parse.FormatInterval(every))
	if err != nil {
		return model.Device{}, err
	}
	o.startScheduled(id, every)
	return dev, nil
}

// ClearSchedule disarms the fetch timer. A live device is left alone.
func (o *Orchestrator) ClearSchedule(ctx context.Context, id string) (model.Device, error) {
	unlock := o.lockMode(id)
	defer unlock()

	dev, err := o.store.GetDevice(ctx, id)
	if err != nil {
		return model.Device{}, err
	}
	if o.Mode(id) == model.ModeScheduled {
		o.stopWorker(id)
	}
	if !dev.IsScheduler {
		return dev, nil
	}
	return o.store.SetMode(ctx, id, model.ModeIdle, "")
}

// StartLive arms live capture on a local device, replacing its fetch timer.
// The device must connect and sound its prompt first.
func (o *Orchestrator) StartLive(ctx context.Context, id string) (model.Device, error) {
	unlock := o.lockMode(id)
	defer unlock()

	dev, err := o.activeDevice(ctx, id)
	if err != nil {
		return model.Device{}, err
	}
	if dev.Variant != model.VariantLocalProtocol {
		return model.Device{}, apperr.Invalid("variant", "live capture needs a local protocol device")
	}

	err = o.withSession(ctx, id, o.opts.ConnectTimeout, func(ctx context.Context, _ model.Device, sess device.Session) error {
		table, ok := sess.(device.UserTable)
		if !ok {
			return sess.TestConnectivity(ctx)
		}
		return table.Signal(ctx, zkproto.VoiceVerifyFinger)
	})
	if err != nil {
		return model.Device{}, err
	}

	dev, err = o.store.SetMode(ctx, id, model.ModeLiveCapture, "")
	if err != nil {
		return model.Device{}, err
	}
	o.startLive(id)
	return dev, nil
}

// StopLive ends live capture.
func (o *Orchestrator) StopLive(ctx context.Context, id string) (model.Device, error) {
	unlock := o.lockMode(id)
	defer unlock()

	dev, err := o.store.GetDevice(ctx, id)
	if err != nil {
		return model.Device{}, err
	}
	if !dev.IsLive {
		return dev, nil
	}
	dev, err = o.store.SetMode(ctx, id, model.ModeIdle, "")
	if err != nil {
		return model.Device{}, err
	}
	o.stopWorker(id)
	return dev, nil
}

// SetActive archives or restores a device. Archiving stops its worker and
// leaves it Idle; restoring does not re-arm anything.
func (o *Orchestrator) SetActive(ctx context.Context, id string, active bool) (model.Device, error) {
	unlock := o.lockMode(id)
	defer unlock()

	if !active {
		o.stopWorker(id)
	}
	return o.store.SetActive(ctx, id, active)
}

// DeleteDevice stops the device's worker and removes it with its mappings.
func (o *Orchestrator) DeleteDevice(ctx context.Context, id string) error {
	unlock := o.lockMode(id)
	defer unlock()

	o.stopWorker(id)
	if err := o.store.DeleteDevice(ctx, id); err != nil {
		return err
	}
	o.lookup.Invalidate(id)
	if o.tokens != nil {
		o.tokens.Forget(id)
	}

	o.mu.Lock()
	delete(o.gates, id)
	o.mu.Unlock()

	o.log.Info("device deleted", "device_id", id)
	return nil
}

// TestConnectivity opens a session and runs the variant's liveness check.
// Mode and watermark are untouched.
func (o *Orchestrator) TestConnectivity(ctx context.Context, id string) error {
	return o.withSession(ctx, id, o.opts.ConnectTimeout, func(ctx context.Context, _ model.Device, sess device.Session) error {
		return sess.TestConnectivity(ctx)
	})
}

// userTable runs fn on a local device's user table.
func (o *Orchestrator) userTable(ctx context.Context, id string, fn func(ctx context.Context, table device.UserTable) error) error {
	dev, err := o.activeDevice(ctx, id)
	if err != nil {
		return err
	}
	if dev.Variant != model.VariantLocalProtocol {
		return apperr.Invalid("variant", "%s devices have no user table", dev.Variant)
	}
	return o.withSession(ctx, id, o.opts.FetchTimeout, func(ctx context.Context, _ model.Device, sess device.Session) error {
		table, ok := sess.(device.UserTable)
		if !ok {
			return apperr.Invalid("variant", "device %s has no user table", id)
		}
		return fn(ctx, table)
	})
}

// editUsers disables the terminal around fn and reloads its data afterwards.
func (o *Orchestrator) editUsers(ctx context.Context, id string, fn func(ctx context.Context, table device.UserTable) error) error {
	return o.userTable(ctx, id, func(ctx context.Context, table device.UserTable) (err error) {
		if err := table.DisableDevice(ctx); err != nil {
			return err
		}
		defer func() {
			if eerr := table.EnableDevice(ctx); eerr != nil {
				o.log.Warn("re-enabling device", "device_id", id, "error", eerr)
				if err == nil {
					err = eerr
				}
			}
		}()

		if err := fn(ctx, table); err != nil {
			return err
		}
		return table.RefreshData(ctx)
	})
}

// SyncClock sets a local device's clock to the current time in the
// configured timezone.
func (o *Orchestrator) SyncClock(ctx context.Context, id string) (time.Time, error) {
	now := o.now().In(o.opts.Location)
	err := o.userTable(ctx, id, func(ctx context.Context, table device.UserTable) error {
		return table.SetTime(ctx, now)
	})
	if err != nil {
		return time.Time{}, err
	}
	o.log.Info("device clock synced", "device_id", id, "time", now)
	return now, nil
}

// DeviceUser is a mapped user present on a terminal.
type DeviceUser struct {
	UID         int    `json:"uid"`
	UserID      string `json:"user_id"`
	Name        string `json:"name"`
	EmployeeRef string `json:"employee_ref"`
	Fingers     []int  `json:"fingers"`
}

// ListDeviceUsers returns the terminal's users that have an employee mapping,
// with the fingers enrolled for each.
func (o *Orchestrator) ListDeviceUsers(ctx context.Context, id string) ([]DeviceUser, error) {
	var (
		users     []device.User
		templates []device.Template
	)
	err := o.userTable(ctx, id, func(ctx context.Context, table device.UserTable) error {
		var err error
		if users, err = table.ListUsers(ctx); err != nil {
			return err
		}
		templates, err = table.ListTemplates(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}

	mappings, err := o.store.ListMappings(ctx, id)
	if err != nil {
		return nil, err
	}
	byUserID := make(map[string]model.EmployeeMapping, len(mappings))
	for _, m := range mappings {
		byUserID[m.UserID] = m
	}
	fingers := make(map[int][]int)
	for _, t := range templates {
		fingers[t.UID] = append(fingers[t.UID], t.FingerID)
	}

	out := make([]DeviceUser, 0, len(users))
	for _, u := range users {
		m, ok := byUserID[u.UserID]
		if !ok {
			continue
		}
		f := fingers[u.UID]
		if f == nil {
			f = []int{}
		}
		out = append(out, DeviceUser{UID: u.UID, UserID: u.UserID, Name: u.Name, EmployeeRef: m.EmployeeRef, Fingers: f})
	}
	return out, nil
}

// Enrollee is an employee to enroll on a device. BadgeID is required for
// cloud devices and ignored otherwise.
type Enrollee struct {
	EmployeeRef string `json:"employee_ref"`
	Name        string `json:"name"`
	BadgeID     string `json:"badge_id,omitempty"`
}

// EnrollFailure reports one employee that could not be enrolled.
type EnrollFailure struct {
	EmployeeRef string `json:"employee_ref"`
	Error       string `json:"error"`
}

// EnrollReport summarizes an enrollment.
type EnrollReport struct {
	Added        []model.EmployeeMapping `json:"added"`
	AlreadyAdded []string                `json:"already_added"`
	Failed       []EnrollFailure         `json:"failed"`
}

// EnrollEmployees creates a terminal user and a mapping for each employee not
// yet mapped on the device. Local users get the lowest free uid from 1 and
// user id from 1000.
func (o *Orchestrator) EnrollEmployees(ctx context.Context, id string, enrollees []Enrollee) (EnrollReport, error) {
	report := EnrollReport{Added: []model.EmployeeMapping{}, AlreadyAdded: []string{}, Failed: []EnrollFailure{}}
	if len(enrollees) == 0 {
		return report, apperr.Invalid("employees", "at least one employee is required")
	}
	for _, e := range enrollees {
		if strings.TrimSpace(e.EmployeeRef) == "" {
			return report, apperr.Invalid("employee_ref", "is required")
		}
	}

	dev, err := o.activeDevice(ctx, id)
	if err != nil {
		return report, err
	}

	pending := make([]Enrollee, 0, len(enrollees))
	for _, e := range enrollees {
		_, err := o.store.FindMappingByEmployee(ctx, id, e.EmployeeRef)
		switch {
		case err == nil:
			report.AlreadyAdded = append(report.AlreadyAdded, e.EmployeeRef)
		case errors.Is(err, apperr.ErrNotFound):
			pending = append(pending, e)
		default:
			return report, err
		}
	}
	if len(pending) == 0 {
		return report, nil
	}

	defer o.lookup.Invalidate(id)
	if dev.Variant == model.VariantCloudAPI {
		err := o.enrollBadges(ctx, id, pending, &report)
		return report, err
	}

	mappings, err := o.store.ListMappings(ctx, id)
	if err != nil {
		return report, err
	}
	err = o.editUsers(ctx, id, func(ctx context.Context, table device.UserTable) error {
		users, err := table.ListUsers(ctx)
		if err != nil {
			return err
		}
		alloc := newAllocator(users, mappings)

		for _, e := range pending {
			uid, userID := alloc.next()
			name := e.Name
			if name == "" {
				name = e.EmployeeRef
			}
			if err := table.EnrollUser(ctx, uid, userID, name); err != nil {
				if apperr.IsConnection(err) {
					return err
				}
				report.Failed = append(report.Failed, EnrollFailure{EmployeeRef: e.EmployeeRef, Error: err.Error()})
				continue
			}
			m := model.EmployeeMapping{DeviceID: id, UID: uid, UserID: userID, EmployeeRef: e.EmployeeRef, DisplayName: name}
			if err := o.store.CreateMapping(ctx, &m); err != nil {
				report.Failed = append(report.Failed, EnrollFailure{EmployeeRef: e.EmployeeRef, Error: err.Error()})
				continue
			}
			report.Added = append(report.Added, m)
		}
		return nil
	})
	if err != nil {
		return report, err
	}
	o.log.Info("employees enrolled", "device_id", id, "added", len(report.Added),
		"already_added", len(report.AlreadyAdded), "failed", len(report.Failed))
	return report, nil
}

// enrollBadges maps cloud badges. The cloud tenant owns its user list, so
// only mappings are written.
func (o *Orchestrator) enrollBadges(ctx context.Context, id string, pending []Enrollee, report *EnrollReport) error {
	mappings, err := o.store.ListMappings(ctx, id)
	if err != nil {
		return err
	}
	alloc := newAllocator(nil, mappings)
	for _, e := range pending {
		if e.BadgeID == "" {
			report.Failed = append(report.Failed, EnrollFailure{EmployeeRef: e.EmployeeRef, Error: "badge_id is required for cloud devices"})
			continue
		}
		uid, _ := alloc.next()
		m := model.EmployeeMapping{DeviceID: id, UID: uid, UserID: e.BadgeID, BadgeID: e.BadgeID, EmployeeRef: e.EmployeeRef, DisplayName: e.Name}
		if err := o.store.CreateMapping(ctx, &m); err != nil {
			report.Failed = append(report.Failed, EnrollFailure{EmployeeRef: e.EmployeeRef, Error: err.Error()})
			continue
		}
		report.Added = append(report.Added, m)
	}
	return nil
}

// allocator hands out uid and user id values not used on the terminal or in
// the device's mappings.
type allocator struct {
	uids    map[int]bool
	userIDs map[string]bool
	uid     int
	userID  int
}

func newAllocator(users []device.User, mappings []model.EmployeeMapping) *allocator {
	a := &allocator{uids: map[int]bool{}, userIDs: map[string]bool{}, uid: firstUID, userID: firstUserID}
	for _, u := range users {
		a.uids[u.UID] = true
		a.userIDs[u.UserID] = true
	}
	for _, m := range mappings {
		a.uids[m.UID] = true
		a.userIDs[m.UserID] = true
	}
	return a
}

func (a *allocator) next() (int, string) {
	for a.uids[a.uid] {
		a.uid++
	}
	for a.userIDs[strconv.Itoa(a.userID)] {
		a.userID++
	}
	uid, userID := a.uid, strconv.Itoa(a.userID)
	a.uids[uid] = true
	a.userIDs[userID] = true
	return uid, userID
}

// RemoveUser deletes the user in slot uid from a local terminal together
// with its mapping. Cloud devices only lose the mapping.
func (o *Orchestrator) RemoveUser(ctx context.Context, id string, uid int) error {
	if uid <= 0 {
		return apperr.Invalid("uid", "must be positive")
	}
	dev, err := o.activeDevice(ctx, id)
	if err != nil {
		return err
	}
	if dev.Variant == model.VariantLocalProtocol {
		err := o.editUsers(ctx, id, func(ctx context.Context, table device.UserTable) error {
			return table.RemoveUser(ctx, uid)
		})
		if err != nil {
			return err
		}
	}
	if err := o.store.DeleteMappingByUID(ctx, id, uid); err != nil {
		return err
	}
	o.lookup.Invalidate(id)
	o.log.Info("device user removed", "device_id", id, "uid", uid)
	return nil
}

// RemoveReport lists which user ids were removed and which were not on the
// device.
type RemoveReport struct {
	Removed []string `json:"removed"`
	Missing []string `json:"missing"`
}

// RemoveUsersByUserID removes several users by their user id.
func (o *Orchestrator) RemoveUsersByUserID(ctx context.Context, id string, userIDs []string) (RemoveReport, error) {
	report := RemoveReport{Removed: []string{}, Missing: []string{}}
	if len(userIDs) == 0 {
		return report, apperr.Invalid("user_ids", "at least one user id is required")
	}
	dev, err := o.activeDevice(ctx, id)
	if err != nil {
		return report, err
	}

	if dev.Variant == model.VariantLocalProtocol {
		err := o.editUsers(ctx, id, func(ctx context.Context, table device.UserTable) error {
			for _, userID := range userIDs {
				found, err := table.RemoveUserByUserID(ctx, userID)
				if err != nil {
					return fmt.Errorf("remove user %s: %w", userID, err)
				}
				if found {
					report.Removed = append(report.Removed, userID)
				} else {
					report.Missing = append(report.Missing, userID)
				}
			}
			return nil
		})
		if err != nil {
			return report, err
		}
	} else {
		report.Removed = append(report.Removed, userIDs...)
	}

	if _, err := o.store.DeleteMappingsByUserID(ctx, id, userIDs); err != nil {
		return report, err
	}
	o.lookup.Invalidate(id)
	o.log.Info("device users removed", "device_id", id, "removed", len(report.Removed), "missing", len(report.Missing))
	return report, nil
}
