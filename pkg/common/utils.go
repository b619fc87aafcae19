package common

const (
	// PacMimeType is sent as Accept header on every PAC and WPAD request.
	PacMimeType = "application/x-ns-proxy-autoconfig"
	// DefaultProxyPort is used when a fixed proxy string carries no port.
	DefaultProxyPort = 80
)
