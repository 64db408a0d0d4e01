package device

import (
	"strings"
	"time"
)

// Transport 描述设备的接入方式。
type Transport string

const (
	TransportCable Transport = "CABLE"
	TransportWiFi  Transport = "WIFI"
	TransportLAN   Transport = "LAN"
)

// ParseTransport accepts case-insensitive names; empty input maps to WIFI.
func ParseTransport(raw string) (Transport, bool) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "CABLE", "USB":
		return TransportCable, true
	case "", "WIFI":
		return TransportWiFi, true
	case "LAN":
		return TransportLAN, true
	}
	return "", false
}

// Networked 表示是否走网络（WiFi/LAN）接入，只有这类设备参与重连。
func (t Transport) Networked() bool {
	return t == TransportWiFi || t == TransportLAN
}

// Status 描述设备的可达状态。
type Status string

const (
	StatusOnline     Status = "ONLINE"
	StatusOffline    Status = "OFFLINE"
	StatusConnecting Status = "CONNECTING"
	StatusError      Status = "ERROR"
)

// DisplaySize 为设备屏幕像素尺寸。
type DisplaySize struct {
	Width  int `json:"w"`
	Height int `json:"h"`
}

// Valid reports whether both dimensions are known.
func (s DisplaySize) Valid() bool {
	return s.Width > 0 && s.Height > 0
}

// Device 是注册表中的一条记录，Address 唯一。
type Device struct {
	Address     string      `json:"address"`
	Serial      string      `json:"serial,omitempty"`
	Transport   Transport   `json:"transport"`
	Status      Status      `json:"status"`
	Model       string      `json:"model,omitempty"`
	OSVersion   string      `json:"osVersion,omitempty"`
	DisplaySize DisplaySize `json:"displaySize"`
	ConnectedAt time.Time   `json:"connectedAt"`
	LastSeenAt  time.Time   `json:"lastSeenAt"`
	TaskCount   int         `json:"taskCount"`
	ErrorCount  int         `json:"errorCount"`
	CitizenID   string      `json:"citizenId,omitempty"`
	LastError   string      `json:"lastError,omitempty"`

	ReconnectAttempts int `json:"reconnectAttempts,omitempty"`
}

// Online reports whether the device may receive work.
func (d Device) Online() bool {
	return d.Status == StatusOnline
}

// Properties are the live values a successful probe returns.
type Properties struct {
	Serial      string
	Model       string
	OSVersion   string
	DisplaySize DisplaySize
}

// Apply copies probe properties onto d.
func (d *Device) Apply(p Properties) {
	if p.Serial != "" {
		d.Serial = p.Serial
	}
	if p.Model != "" {
		d.Model = p.Model
	}
	if p.OSVersion != "" {
		d.OSVersion = p.OSVersion
	}
	if p.DisplaySize.Valid() {
		d.DisplaySize = p.DisplaySize
	}
}
