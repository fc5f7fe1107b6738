package authn

import "net/http"

// DeviceInfo describes the client install to the backend.
type DeviceInfo struct {
	Platform   string
	Model      string
	OSVersion  string
	AppVersion string
}

// DeviceIDSource yields the per-install identifier. session.Store satisfies it.
type DeviceIDSource interface {
	DeviceID() string
}

// DeviceHeaders adds the X-Device-* headers to every request. It is used by
// both the API transport and the refresh client.
type DeviceHeaders struct {
	Next     http.RoundTripper
	DeviceID DeviceIDSource
	Info     DeviceInfo
}

// NewDeviceHeaders wraps next. A nil next uses http.DefaultTransport.
func NewDeviceHeaders(next http.RoundTripper, id DeviceIDSource, info DeviceInfo) *DeviceHeaders {
	return &DeviceHeaders{Next: next, DeviceID: id, Info: info}
}

func (d *DeviceHeaders) RoundTrip(req *http.Request) (*http.Response, error) {
	r := req.Clone(req.Context())
	if d.DeviceID != nil {
		if id := d.DeviceID.DeviceID(); id != "" {
			r.Header.Set("X-Device-Id", id)
		}
	}
	setIfNotEmpty(r.Header, "X-Platform", d.Info.Platform)
	setIfNotEmpty(r.Header, "X-Device-Model", d.Info.Model)
	setIfNotEmpty(r.Header, "X-OS-Version", d.Info.OSVersion)
	setIfNotEmpty(r.Header, "X-App-Version", d.Info.AppVersion)

	next := d.Next
	if next == nil {
		next = http.DefaultTransport
	}
	return next.RoundTrip(r)
}

func setIfNotEmpty(h http.Header, key, value string) {
	if value != "" {
		h.Set(key, value)
	}
}
