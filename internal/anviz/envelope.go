// Package anviz talks to the CrossChex-style cloud attendance API: a single
// endpoint taking JSON envelopes authorized with a short-lived token.
package anviz

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// TimeLayout is the instant format used in requests.
const TimeLayout = "2006-01-02T15:04:05+00:00"

// Header identifies the action of an envelope.
type Header struct {
	NameSpace  string `json:"nameSpace"`
	NameAction string `json:"nameAction,omitempty"`
	Name       string `json:"name,omitempty"`
	Version    string `json:"version,omitempty"`
	RequestID  string `json:"requestId,omitempty"`
	Timestamp  string `json:"timestamp,omitempty"`
}

// Authorize carries the token on authorized requests.
type Authorize struct {
	Type  string `json:"type"`
	Token string `json:"token"`
}

// Request is an outgoing envelope.
type Request struct {
	Header    Header     `json:"header"`
	Authorize *Authorize `json:"authorize,omitempty"`
	Payload   any        `json:"payload"`
}

// Response is an incoming envelope; Payload is decoded per action.
type Response struct {
	Header  Header          `json:"header"`
	Payload json.RawMessage `json:"payload"`
}

// ExceptionPayload is the payload of a System/Exception envelope.
type ExceptionPayload struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Exception returns the exception payload when r is an error envelope.
func (r Response) Exception() (ExceptionPayload, bool) {
	if r.Header.NameSpace != "System" || r.Header.Name != "Exception" {
		return ExceptionPayload{}, false
	}
	var p ExceptionPayload
	if err := json.Unmarshal(r.Payload, &p); err != nil {
		return ExceptionPayload{}, false
	}
	return p, true
}

// TokenExpired matches the envelope returned for a stale token.
func (r Response) TokenExpired() bool {
	p, ok := r.Exception()
	return ok && p.Type == "TOKEN_EXPIRES"
}

func newHeader(nameSpace, action string, now time.Time) Header {
	return Header{
		NameSpace:  nameSpace,
		NameAction: action,
		Version:    "1.0",
		RequestID:  uuid.NewString(),
		Timestamp:  now.UTC().Format(TimeLayout),
	}
}

type tokenPayload struct {
	APIKey    string `json:"api_key"`
	APISecret string `json:"api_secret"`
}

// TokenResponse is the payload of authorize.token/token.
type TokenResponse struct {
	Token   string `json:"token"`
	Expires string `json:"expires"`
}

// ExpiresAt parses the expiry; nil when absent or unparseable.
func (t TokenResponse) ExpiresAt() *time.Time {
	if t.Expires == "" {
		return nil
	}
	ts, err := ParseTime(t.Expires)
	if err != nil {
		return nil
	}
	return &ts
}

type recordQuery struct {
	BeginTime string `json:"begin_time"`
	EndTime   string `json:"end_time"`
	Order     string `json:"order"`
	Page      string `json:"page"`
	PerPage   string `json:"per_page"`
}

// RecordPage is the payload of attendance.record/getrecord.
type RecordPage struct {
	Count     int      `json:"count"`
	PageCount int      `json:"pageCount"`
	List      []Record `json:"list"`
}

// Record is one punch in a record page.
type Record struct {
	Employee  Employee   `json:"employee"`
	CheckType int        `json:"checktype"`
	CheckTime string     `json:"checktime"`
	Device    RecordUnit `json:"device,omitempty"`
}

// Employee identifies who punched. Workno is the badge id.
type Employee struct {
	Workno    FlexString `json:"workno"`
	FirstName string     `json:"first_name,omitempty"`
	LastName  string     `json:"last_name,omitempty"`
}

// RecordUnit names the physical terminal behind the cloud tenant.
type RecordUnit struct {
	SerialNumber string `json:"serial_number,omitempty"`
	Name         string `json:"name,omitempty"`
}

// FlexString accepts a JSON string or number.
type FlexString string

func (f *FlexString) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*f = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = FlexString(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("workno: %w", err)
	}
	*f = FlexString(n.String())
	return nil
}

var timeLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05-0700",
	"2006-01-02 15:04:05",
}

// ParseTime parses a checktime or expiry. Times without an offset are UTC.
func ParseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	if secs, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(secs, 0).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("anviz: unrecognized time %q", s)
}
