package events

import (
	"context"
	"strconv"
	"sync"
	"time"
)

// 事件类型
const (
	TypeLicenseIssued      = "license.issued"
	TypeLicenseExtended    = "license.extended"
	TypeLicenseDeactivated = "license.deactivated"
	TypeLicensesSwept      = "license.swept"
	TypeDeviceAdmitted     = "device.admitted"
	TypeDeviceReleased     = "device.released"
	TypeSessionSuperseded  = "session.superseded"
)

// Event 可发布的生命周期事件
type Event interface {
	EventType() string
	// PartitionKey 同一实体的事件落在同一分区，保证顺序
	PartitionKey() string
}

type LicenseIssued struct {
	LicenseID uint      `json:"licenseId"`
	AccountID uint      `json:"accountId"`
	Type      string    `json:"type"`
	ExpiresAt time.Time `json:"expiresAt"`
	At        time.Time `json:"at"`
}

func (LicenseIssued) EventType() string      { return TypeLicenseIssued }
func (e LicenseIssued) PartitionKey() string { return accountKey(e.AccountID) }

type LicenseExtended struct {
	LicenseID uint      `json:"licenseId"`
	AccountID uint      `json:"accountId"`
	ExpiresAt time.Time `json:"expiresAt"`
	At        time.Time `json:"at"`
}

func (LicenseExtended) EventType() string      { return TypeLicenseExtended }
func (e LicenseExtended) PartitionKey() string { return accountKey(e.AccountID) }

type LicenseDeactivated struct {
	LicenseID uint      `json:"licenseId"`
	At        time.Time `json:"at"`
}

func (LicenseDeactivated) EventType() string      { return TypeLicenseDeactivated }
func (e LicenseDeactivated) PartitionKey() string { return licenseKey(e.LicenseID) }

type LicensesSwept struct {
	Count int64     `json:"count"`
	At    time.Time `json:"at"`
}

func (LicensesSwept) EventType() string    { return TypeLicensesSwept }
func (LicensesSwept) PartitionKey() string { return "sweep" }

type DeviceAdmitted struct {
	LicenseID   uint      `json:"licenseId"`
	Fingerprint string    `json:"fingerprint"`
	At          time.Time `json:"at"`
}

func (DeviceAdmitted) EventType() string      { return TypeDeviceAdmitted }
func (e DeviceAdmitted) PartitionKey() string { return licenseKey(e.LicenseID) }

type DeviceReleased struct {
	LicenseID   uint      `json:"licenseId"`
	Fingerprint string    `json:"fingerprint"`
	At          time.Time `json:"at"`
}

func (DeviceReleased) EventType() string      { return TypeDeviceReleased }
func (e DeviceReleased) PartitionKey() string { return licenseKey(e.LicenseID) }

// SessionSuperseded 新登录使旧会话失效
type SessionSuperseded struct {
	AccountID   uint      `json:"accountId"`
	Invalidated int64     `json:"invalidated"`
	At          time.Time `json:"at"`
}

func (SessionSuperseded) EventType() string      { return TypeSessionSuperseded }
func (e SessionSuperseded) PartitionKey() string { return accountKey(e.AccountID) }

func accountKey(id uint) string { return "account:" + strconv.FormatUint(uint64(id), 10) }
func licenseKey(id uint) string { return "license:" + strconv.FormatUint(uint64(id), 10) }

// Publisher 事件发布端
type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

// Noop 未配置 broker 时使用
type Noop struct{}

func (Noop) Publish(context.Context, Event) error { return nil }
func (Noop) Close() error                         { return nil }

// Recorder 把事件保存在内存中
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, event Event) error {
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
	return nil
}

func (r *Recorder) Close() error { return nil }

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// OfType 返回指定类型的事件
func (r *Recorder) OfType(eventType string) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.EventType() == eventType {
			out = append(out, e)
		}
	}
	return out
}
