// Package onebox wires configuration, logging, and the two tunnel
// supervisors.
package onebox

import (
	"bytes"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Config contains the configuration for both onebox binaries. The env struct
// tag contains the environment variable name and the default value if missing,
// or empty (if not ?=). All string arrays are comma-separated.
type Config struct {
	// The minimum log level (e.g., trace, debug, info, warn, error, fatal).
	LogLevel zerolog.Level `env:"ONEBOX_LOG_LEVEL=info"`

	// Whether to log to stdout.
	LogStdout bool `env:"ONEBOX_LOG_STDOUT=true"`

	// Whether to use pretty logs.
	LogStdoutPretty bool `env:"ONEBOX_LOG_STDOUT_PRETTY=true"`

	// The minimum log level for stdout.
	LogStdoutLevel zerolog.Level `env:"ONEBOX_LOG_STDOUT_LEVEL=trace"`

	// The log file to output to, if provided. Reopened on SIGHUP.
	LogFile string `env:"ONEBOX_LOG_FILE"`

	// The minimum log level for the log file.
	LogFileLevel zerolog.Level `env:"ONEBOX_LOG_FILE_LEVEL=info"`

	// The pre-shared key both endpoints derive the tunnel key from.
	// Required. If it begins with @, it is treated as the name of a systemd
	// credential to load.
	PresharedKey string `env:"ONEBOX_PSK" sdcreds:"load,trimspace"`

	// The server hostname or address the client sends to.
	ServerAddr string `env:"ONEBOX_SERVER_ADDR"`

	// The server UDP port the client sends to.
	ServerPort uint16 `env:"ONEBOX_SERVER_PORT=51820"`

	// The address the server listens on.
	ListenAddr netip.AddrPort `env:"ONEBOX_LISTEN_ADDR?=0.0.0.0:51820"`

	// The name of the tunnel interface.
	TunName string `env:"ONEBOX_TUN_NAME?=onebox0"`

	// The address of the tunnel interface. Defaults to 10.8.0.1 on the
	// client and 10.8.0.2 on the server.
	TunIP string `env:"ONEBOX_TUN_IP"`

	// The netmask of the tunnel interface.
	TunNetmask string `env:"ONEBOX_TUN_NETMASK?=255.255.255.0"`

	// The largest plaintext packet carried through the tunnel.
	MTU int `env:"ONEBOX_MTU=1400"`

	// The number of server worker tasks. If 0, one per core.
	Workers int `env:"ONEBOX_WORKERS"`

	// The reorder-buffer safety cap per client. When exceeded, delivery
	// advances past the gap. If 0, the buffer is unbounded.
	ReorderMax int `env:"ONEBOX_REORDER_MAX=4096"`

	// Additional interface name prefixes to exclude from WAN discovery
	// (comma-separated).
	WANSkip []string `env:"ONEBOX_WAN_SKIP"`

	// The file the client persists its identity to, so the server sees a
	// stable client id across restarts. If not provided, a fresh random id
	// is used on every start.
	ClientIDFile string `env:"ONEBOX_CLIENT_ID_FILE"`

	// The local address of the status endpoint. Empty disables it.
	StatusAddr string `env:"ONEBOX_STATUS_ADDR?=127.0.0.1:5400"`

	// The storage to use for server-side client accounting:
	//  - memory
	//  - sqlite3:/path/to/onebox.db
	Storage string `env:"ONEBOX_STORAGE=memory"`

	// How often dirty accounting records are flushed to storage.
	StorageFlushInterval time.Duration `env:"ONEBOX_STORAGE_FLUSH_INTERVAL=30s"`

	// Skip host plumbing (routes, forwarding, NAT). The data plane still
	// runs; useful for development.
	NoPlumb bool `env:"ONEBOX_NO_PLUMB"`

	// For sd-notify.
	NotifySocket string `env:"NOTIFY_SOCKET"`
}

// UnmarshalEnv unmarshals an array of environment variables into c, setting
// default values as appropriate. If incremental is true, default values will
// not be set for missing env vars, but only for empty ones.
func (c *Config) UnmarshalEnv(es []string, incremental bool) error {
	em := map[string]string{}
	for _, e := range es {
		if strings.HasPrefix(e, "ONEBOX_") || strings.HasPrefix(e, "NOTIFY_SOCKET=") {
			if k, v, ok := strings.Cut(e, "="); ok {
				em[k] = v
			}
		}
	}
	cv := reflect.ValueOf(c).Elem()
	for _, ctf := range reflect.VisibleFields(cv.Type()) {
		env, ok := ctf.Tag.Lookup("env")
		if !ok {
			continue
		}

		// get the default value, and check if it can be explicitly set to an
		// empty value
		var unsettable bool
		key, val, _ := strings.Cut(env, "=")
		if strings.HasSuffix(key, "?") {
			key = strings.TrimSuffix(key, "?")
			unsettable = true
		}
		if v, exists := em[key]; exists {
			// expand credentials before attempting to set the var or checking
			// if it can be set to an empty value
			v, err := sdcreds(v, ctf.Tag.Get("sdcreds"))
			if err != nil {
				return fmt.Errorf("env %s: expand systemd credentials: %w", key, err)
			}

			// if the value is non-empty or we are allowed to set it to an
			// empty value, set it, otherwise simply keep the default
			if unsettable || v != "" {
				val = v
			}

			// we're finished processing this var
			delete(em, key)
		} else if incremental {
			// if we're only doing incremental updates, don't use the default
			// value if the current env list doesn't have the var
			continue
		}

		switch cvf := cv.FieldByName(ctf.Name); cvf.Interface().(type) {
		case string:
			cvf.SetString(val)
		case int:
			if val == "" {
				cvf.SetInt(0)
			} else if v, err := strconv.ParseInt(val, 10, 64); err == nil {
				cvf.SetInt(v)
			} else {
				return fmt.Errorf("env %s (%T): parse %q: %w", key, cvf.Interface(), val, err)
			}
		case uint16:
			if val == "" {
				cvf.SetUint(0)
			} else if v, err := strconv.ParseUint(val, 10, 16); err == nil {
				cvf.SetUint(v)
			} else {
				return fmt.Errorf("env %s (%T): parse %q: %w", key, cvf.Interface(), val, err)
			}
		case bool:
			if val == "" {
				cvf.SetBool(false)
			} else if v, err := strconv.ParseBool(val); err == nil {
				cvf.SetBool(v)
			} else {
				return fmt.Errorf("env %s (%T): parse %q: %w", key, cvf.Interface(), val, err)
			}
		case []string:
			if val == "" {
				cvf.Set(reflect.ValueOf([]string{}))
			} else {
				cvf.Set(reflect.ValueOf(strings.Split(val, ",")))
			}
		case zerolog.Level:
			if v, err := zerolog.ParseLevel(val); err == nil {
				cvf.Set(reflect.ValueOf(v))
			} else {
				return fmt.Errorf("env %s (%T): parse %q: %w", key, cvf.Interface(), val, err)
			}
		case time.Duration:
			if v, err := time.ParseDuration(val); err == nil {
				cvf.Set(reflect.ValueOf(v))
			} else {
				return fmt.Errorf("env %s (%T): parse %q: %w", key, cvf.Interface(), val, err)
			}
		case netip.AddrPort:
			if val == "" {
				cvf.Set(reflect.ValueOf(netip.AddrPort{}))
			} else if v, err := netip.ParseAddrPort(val); err == nil {
				cvf.Set(reflect.ValueOf(v))
			} else if v, err1 := netip.ParseAddrPort("[::]" + val); val[0] == ':' && err1 == nil {
				cvf.Set(reflect.ValueOf(v))
			} else {
				return fmt.Errorf("env %s (%T): parse %q: %w", key, cvf.Interface(), val, err)
			}
		default:
			return fmt.Errorf("unhandled type %T (%s)", cvf.Interface(), env)
		}
	}
	for key, val := range em {
		if val != "" {
			return fmt.Errorf("unknown environment variable %q", key)
		}
	}
	return nil
}

// sdcreds expands systemd credentials in v (prefixed by "@") according to tag,
// which consists of a mode followed by optional flags.
//
// Mode:
//   - (none): return the original value
//   - expand: expand to the cred path
//   - load: read the cred contents
//
// Args:
//   - trimspace (load): trim leading/trailing whitespace from the cred value
//   - list (expand, load): split v by "," and process each item individually
func sdcreds(v string, tag string) (string, error) {
	if tag == "" {
		return v, nil
	}

	var mode struct {
		expand bool
		load   bool
	}
	var opts struct {
		trimspace bool
		list      bool
	}

	tag, args, _ := strings.Cut(tag, ",")
	switch tag {
	case "expand":
		mode.expand = true
	case "load":
		mode.load = true
	default:
		return "", fmt.Errorf("invalid struct tag %q", tag)
	}
	for _, arg := range strings.Split(args, ",") {
		switch {
		case arg == "":
		case mode.load && arg == "trimspace":
			opts.trimspace = true
		case (mode.load || mode.expand) && arg == "list":
			opts.list = true
		default:
			return "", fmt.Errorf("invalid struct tag %q arg %q", tag, arg)
		}
	}

	var vs []string
	if opts.list {
		vs = strings.Split(v, ",")
	} else {
		vs = []string{v}
	}

	vsi := make([]int, 0, len(vs))
	for i, x := range vs {
		if len(x) != 0 && x[0] == '@' {
			vsi = append(vsi, i)
		}
	}
	if len(vsi) == 0 {
		return v, nil
	}
	crd := os.Getenv("CREDENTIALS_DIRECTORY")
	if crd == "" {
		return "", fmt.Errorf("expand %q: systemd CREDENTIALS_DIRECTORY env var not set", v)
	}
	if !filepath.IsAbs(crd) {
		return "", fmt.Errorf("expand %q: systemd CREDENTIALS_DIRECTORY=%q env var is not an absolute path", v, crd)
	}
	for _, i := range vsi {
		cred := vs[i][1:]
		if strings.Contains(cred, "/") || strings.Contains(cred, string(filepath.Separator)) {
			return "", fmt.Errorf("expand %q: invalid credential name %q", v, cred)
		}
		vs[i] = filepath.Join(crd, cred)
	}
	if mode.load {
		for _, i := range vsi {
			pt := vs[i]
			buf, err := os.ReadFile(pt)
			if err != nil {
				if errors.Is(err, os.ErrNotExist) {
					return v, fmt.Errorf("expand %q: no such credential %q", v, filepath.Base(pt))
				}
				return v, fmt.Errorf("expand %q: read credential %q: %w", v, filepath.Base(pt), err)
			}
			if opts.trimspace {
				buf = bytes.TrimSpace(buf)
			}
			vs[i] = string(buf)
		}
	}
	return strings.Join(vs, ","), nil
}
