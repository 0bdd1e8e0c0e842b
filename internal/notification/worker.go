package notification

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/patrickmn/go-cache"
	"gorm.io/gorm"

	"attendance-sync-backend/internal/model"
)

// AlertKind says what went wrong with a device.
type AlertKind string

const (
	AlertCycleFailed AlertKind = "cycle_failed"
	AlertLiveDropped AlertKind = "live_dropped"
)

// Alert is one administrator notification about a device.
type Alert struct {
	DeviceID string
	Kind     AlertKind
	Detail   string
}

// NotificationSender defines the interface for sending a web push notification.
type NotificationSender interface {
	Send(payload []byte, sub *webpush.Subscription, options *webpush.Options) (*http.Response, error)
}

// WebPushSender is a real implementation of NotificationSender using the webpush library.
type WebPushSender struct{}

// Send sends a notification using the webpush library.
func (s *WebPushSender) Send(payload []byte, sub *webpush.Subscription, options *webpush.Options) (*http.Response, error) {
	return webpush.SendNotification(payload, sub, options)
}

// WorkerPool sends device alerts to the subscriptions following the device.
// Repeats of the same alert within the suppression window are dropped.
type WorkerPool struct {
	size    int
	jobs    chan Alert
	db      *gorm.DB
	webpush *webpush.Options
	sender  NotificationSender
	recent  *cache.Cache
	log     *slog.Logger
}

// NewWorkerPool creates a new worker pool.
func NewWorkerPool(size int, db *gorm.DB, webpushOptions *webpush.Options, suppress time.Duration, log *slog.Logger) *WorkerPool {
	if size <= 0 {
		size = 1
	}
	if suppress <= 0 {
		suppress = 15 * time.Minute
	}
	return &WorkerPool{
		size:    size,
		jobs:    make(chan Alert, size*4),
		db:      db,
		webpush: webpushOptions,
		sender:  &WebPushSender{},
		recent:  cache.New(suppress, 2*suppress),
		log:     log,
	}
}

// Start launches the worker goroutines.
func (wp *WorkerPool) Start(ctx context.Context) {
	for i := 0; i < wp.size; i++ {
		go wp.worker(ctx, i)
	}
}

func (wp *WorkerPool) worker(ctx context.Context, id int) {
	wp.log.Debug("alert worker started", "worker", id)
	for {
		select {
		case alert := <-wp.jobs:
			wp.sendAlertsForDevice(ctx, alert)
		case <-ctx.Done():
			wp.log.Debug("alert worker shutting down", "worker", id)
			return
		}
	}
}

// Dispatch queues an alert. It never blocks: a suppressed alert or a full
// queue drops it.
func (wp *WorkerPool) Dispatch(alert Alert) {
	key := alert.DeviceID + "|" + string(alert.Kind)
	if err := wp.recent.Add(key, struct{}{}, cache.DefaultExpiration); err != nil {
		return
	}
	select {
	case wp.jobs <- alert:
	default:
		wp.log.Warn("alert queue full; dropping alert", "device_id", alert.DeviceID, "kind", alert.Kind)
	}
}

// Jobs returns the jobs channel for testing.
func (wp *WorkerPool) Jobs() chan Alert {
	return wp.jobs
}

func message(label string, alert Alert) string {
	var text string
	switch alert.Kind {
	case AlertLiveDropped:
		text = fmt.Sprintf("Device %s lost its live capture session", label)
	default:
		text = fmt.Sprintf("Attendance sync failed for device %s", label)
	}
	if alert.Detail != "" {
		text += ": " + alert.Detail
	}
	return text
}

// sendAlertsForDevice fetches subscriptions and sends the alert to each.
func (wp *WorkerPool) sendAlertsForDevice(ctx context.Context, alert Alert) {
	var subscriptions []model.PushSubscription
	err := wp.db.WithContext(ctx).
		Joins("JOIN subscription_device_mapping sdm ON sdm.push_subscription_endpoint = push_subscriptions.endpoint").
		Where("sdm.device_id = ?", alert.DeviceID).
		Find(&subscriptions).Error
	if err != nil {
		wp.log.Error("failed to fetch subscriptions", "device_id", alert.DeviceID, "error", err)
		return
	}
	if len(subscriptions) == 0 {
		return
	}

	label := alert.DeviceID
	var device model.Device
	if err := wp.db.WithContext(ctx).
		Select("name").
		First(&device, "id = ?", alert.DeviceID).Error; err != nil {
		wp.log.Warn("failed to fetch device name", "device_id", alert.DeviceID, "error", err)
	} else if device.Name != "" {
		label = device.Name
	}

	payload := []byte(message(label, alert))
	wp.log.Info("sending device alert", "device_id", alert.DeviceID, "kind", alert.Kind, "subscriptions", len(subscriptions))
	for _, sub := range subscriptions {
		wp.sendNotification(ctx, sub, payload)
	}
}

// sendNotification sends a single web push notification.
func (wp *WorkerPool) sendNotification(ctx context.Context, sub model.PushSubscription, payload []byte) {
	wpSub := &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.P256DH,
			Auth:   sub.Auth,
		},
	}

	resp, err := wp.sender.Send(payload, wpSub, wp.webpush)
	if err != nil {
		wp.log.Error("failed to send notification", "endpoint", sub.Endpoint, "error", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusGone {
		wp.log.Info("subscription expired; deleting", "endpoint", sub.Endpoint)
		if err := wp.db.WithContext(ctx).Delete(&sub).Error; err != nil {
			wp.log.Error("failed to delete expired subscription", "endpoint", sub.Endpoint, "error", err)
		}
	}
}
