package kerb

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	gokrb5client "github.com/jcmturner/gokrb5/v8/client"
	krb5config "github.com/jcmturner/gokrb5/v8/config"
	"github.com/jcmturner/gokrb5/v8/credentials"
)

// refreshMargin is how long before ticket expiry the ccache is re-read.
const refreshMargin = 5 * time.Minute

// Client holds a gokrb5 client built from the user's credential cache.
// A missing or expired ccache is not an error; Gokrb5Client returns nil then.
type Client struct {
	krb5ConfPath string

	mu            sync.Mutex
	client        *gokrb5client.Client
	ticketExpiry  time.Time
	isInitialized bool
	ccacheName    string
	now           func() time.Time
}

// NewClient loads the user's ccache. krb5ConfPath may be empty to use the
// platform default.
func NewClient(krb5ConfPath string) *Client {
	k := &Client{krb5ConfPath: krb5ConfPath, now: time.Now}
	if err := k.reload(); err != nil {
		slog.Error("Unexpected error during initial Kerberos setup from ccache", "ccache", k.ccacheName, "error", err)
	} else if !k.IsInitialized() {
		slog.Info("Kerberos configured, but no valid credentials found in ccache", "ccache", k.ccacheName)
	}
	return k
}

func (k *Client) reload() error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.client != nil {
		k.client.Destroy()
		k.client = nil
	}
	k.isInitialized = false
	k.ticketExpiry = time.Time{}
	k.ccacheName = determineEffectiveCacheName()

	cc, err := credentials.LoadCCache(strings.TrimPrefix(k.ccacheName, "FILE:"))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			slog.Info("Credential cache not found", "path", k.ccacheName)
			return nil
		}
		return fmt.Errorf("failed to load ccache '%s': %w", k.ccacheName, err)
	}

	confPath := k.krb5ConfPath
	if confPath == "" {
		confPath = defaultKrb5ConfPath()
	}
	conf, err := krb5config.Load(confPath)
	if err != nil {
		slog.Warn("Failed to load krb5.conf, continuing with defaults", "path", confPath, "error", err)
		conf = krb5config.New()
	}

	cl, err := gokrb5client.NewFromCCache(cc, conf, gokrb5client.DisablePAFXFAST(true))
	if err != nil {
		return fmt.Errorf("failed to create client from ccache '%s': %w", k.ccacheName, err)
	}
	if cl.Credentials == nil || cl.Credentials.Expired() {
		slog.Warn("No valid credentials in ccache or credentials expired", "ccache", k.ccacheName)
		cl.Destroy()
		return nil
	}

	k.client = cl
	k.isInitialized = true
	k.ticketExpiry = cl.Credentials.ValidUntil()
	slog.Info("Kerberos context initialized from ccache",
		"principal", strings.Join(cl.Credentials.CName().NameString, "/"),
		"realm", cl.Credentials.Realm(),
		"tgt_expiry", k.ticketExpiry.Format(time.RFC3339))
	return nil
}

// IsInitialized reports whether a valid, unexpired ticket is loaded.
func (k *Client) IsInitialized() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.validLocked()
}

func (k *Client) validLocked() bool {
	return k.isInitialized && k.client != nil && !k.ticketExpiry.IsZero() && k.now().Before(k.ticketExpiry)
}

// CheckAndRefresh re-reads the ccache when no ticket is loaded or the ticket
// is about to expire.
func (k *Client) CheckAndRefresh() error {
	k.mu.Lock()
	needsRefresh := !k.isInitialized || k.ticketExpiry.IsZero() || k.now().Add(refreshMargin).After(k.ticketExpiry)
	k.mu.Unlock()
	if !needsRefresh {
		return nil
	}
	if err := k.reload(); err != nil {
		return fmt.Errorf("ccache reload failed: %w", err)
	}
	return nil
}

// Gokrb5Client returns the underlying client, or nil if no valid ticket is loaded.
func (k *Client) Gokrb5Client() *gokrb5client.Client {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.validLocked() {
		return k.client
	}
	return nil
}

func (k *Client) Close() {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.client != nil {
		k.client.Destroy()
		k.client = nil
	}
	k.isInitialized = false
	k.ticketExpiry = time.Time{}
}

// determineEffectiveCacheName picks the ccache from KRB5CCNAME or the usual
// per-uid locations.
func determineEffectiveCacheName() string {
	cachePath := os.Getenv("KRB5CCNAME")
	uidStr := strconv.Itoa(os.Getuid())

	if cachePath == "" {
		for _, candidate := range []string{
			"/tmp/krb5cc_" + uidStr,
			"/var/run/user/" + uidStr + "/krb5cc",
		} {
			if _, err := os.Stat(candidate); err == nil {
				cachePath = candidate
				break
			}
		}
		if cachePath == "" {
			cachePath = "/tmp/krb5cc_" + uidStr
		}
	}

	cachePath = strings.ReplaceAll(cachePath, "%{uid}", uidStr)
	cachePath = strings.ReplaceAll(cachePath, "%{USERID}", uidStr)

	upper := strings.ToUpper(cachePath)
	for _, prefix := range []string{"FILE:", "DIR:", "API:", "KEYRING:", "KCM:", "MSLSA:"} {
		if strings.HasPrefix(upper, prefix) {
			return cachePath
		}
	}
	return "FILE:" + cachePath
}

func defaultKrb5ConfPath() string {
	if path := os.Getenv("KRB5_CONFIG"); path != "" {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	if os.PathSeparator == '\\' {
		if programData := os.Getenv("PROGRAMDATA"); programData != "" {
			for _, path := range []string{
				programData + "\\Kerberos\\krb5.conf",
				programData + "\\MIT\\Kerberos\\krb5.ini",
			} {
				if _, err := os.Stat(path); err == nil {
					return path
				}
			}
		}
		return "C:\\Windows\\krb5.ini"
	}
	return "/etc/krb5.conf"
}
