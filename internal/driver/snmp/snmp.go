// Package snmp provides a driver that reads one SNMP GET value per
// measurement key.
//
// This file implements the Driver which performs actual SNMP GET operations.
package snmp

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/gosnmp/gosnmp"

	"github.com/xtxerr/daqstore/config"
	"github.com/xtxerr/daqstore/internal/driver"
	"github.com/xtxerr/daqstore/internal/errors"
	"github.com/xtxerr/daqstore/internal/logging"
	"github.com/xtxerr/daqstore/internal/measurement"
	"github.com/xtxerr/daqstore/internal/storage"
)

// Type is the driver type used in configuration.
const Type = "snmp"

func init() {
	driver.Register(Type, func(cfg driver.Config) (driver.Driver, error) {
		var o Options
		if err := storage.DecodeOptions(cfg.Options, &o); err != nil {
			return nil, err
		}
		return New(cfg, o)
	})
}

// =============================================================================
// SNMP Configuration
// =============================================================================

// Options holds SNMP poll configuration.
type Options struct {
	Host string `yaml:"host"`
	Port uint16 `yaml:"port"`

	// OIDs maps measurement keys to the OID read for them.
	OIDs map[string]string `yaml:"oids"`

	// v2c
	Community string `yaml:"community"`

	// v3
	SecurityName  string `yaml:"security_name"`
	SecurityLevel string `yaml:"security_level"`
	AuthProtocol  string `yaml:"auth_protocol"`
	AuthPassword  string `yaml:"auth_password"`
	PrivProtocol  string `yaml:"priv_protocol"`
	PrivPassword  string `yaml:"priv_password"`
	ContextName   string `yaml:"context_name"`

	// Timing
	Timeout time.Duration `yaml:"timeout"`
	Retries int           `yaml:"retries"`
}

// validate validates the SNMP configuration.
func (o *Options) validate() error {
	errs := errors.NewValidationErrors()

	if o.Host == "" {
		errs.AddMissing("snmp.host")
	}
	if len(o.OIDs) == 0 {
		errs.AddMissing("snmp.oids")
	}
	for key, oid := range o.OIDs {
		if key == "" || strings.Trim(oid, ".") == "" {
			errs.AddField("snmp.oids", fmt.Sprintf("invalid entry %q: %q", key, oid))
		}
	}

	isV3 := o.SecurityName != ""
	if !isV3 && o.Community == "" {
		errs.AddField("snmp.community", "SNMP v2c requires community string (refusing to use insecure default)")
	}
	if o.Retries < 0 {
		errs.Add(errors.NewInvalidValue("snmp.retries", o.Retries, "must be >= 0"))
	}

	return errs.Err()
}

// =============================================================================
// Driver
// =============================================================================

// Driver polls an SNMP agent.
type Driver struct {
	driver.Identity
	opts Options

	// keys in sorted order, oids[i] belongs to keys[i]
	keys []string
	oids []string
}

// New creates an SNMP driver.
func New(cfg driver.Config, opts Options) (*Driver, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if opts.Port == 0 {
		opts.Port = config.DefaultSNMPPort
	}
	if opts.Timeout == 0 {
		opts.Timeout = config.DefaultSNMPTimeout
	}
	if opts.Retries == 0 {
		opts.Retries = config.DefaultSNMPRetries
	}

	d := &Driver{Identity: driver.NewIdentity(cfg), opts: opts}
	for _, key := range sortedKeys(opts.OIDs) {
		d.keys = append(d.keys, key)
		d.oids = append(d.oids, normalizeOID(opts.OIDs[key]))
	}
	return d, nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

func normalizeOID(oid string) string {
	return "." + strings.Trim(oid, ".")
}

// Poll executes an SNMP GET for every configured OID. Connection and
// request failures yield invalid readings for the affected keys.
func (d *Driver) Poll(ctx context.Context) (*measurement.Container, error) {
	now := time.Now().UnixMilli()
	c := d.NewContainer()

	fail := func(keys []string, err error) (*measurement.Container, error) {
		for _, key := range keys {
			c.Insert(key, measurement.Measurement{TimestampMs: now, Error: err.Error()})
		}
		return c, fmt.Errorf("%s: %v: %w", d.ID(), err, errors.ErrPollFailed)
	}

	client := d.createClient(ctx)
	if err := client.Connect(); err != nil {
		return fail(d.keys, fmt.Errorf("connect: %w", err))
	}
	defer client.Conn.Close()

	var failed []string
	var lastErr error

	for start := 0; start < len(d.oids); start += client.MaxOids {
		end := min(start+client.MaxOids, len(d.oids))

		// Check context before GET
		if err := ctx.Err(); err != nil {
			return fail(d.keys[start:], err)
		}

		pdu, err := client.Get(d.oids[start:end])
		if err != nil {
			if isTimeoutError(err) {
				err = fmt.Errorf("get: %v: %w", err, errors.ErrTimeout)
			} else {
				err = fmt.Errorf("get: %w", err)
			}
			logging.WithContext(ctx).Debug("snmp get failed",
				"host", d.opts.Host, "oids", end-start, "error", err)
			failed = append(failed, d.keys[start:end]...)
			lastErr = err
			for _, key := range d.keys[start:end] {
				c.Insert(key, measurement.Measurement{TimestampMs: now, Error: err.Error()})
			}
			continue
		}

		byOID := make(map[string]gosnmp.SnmpPDU, len(pdu.Variables))
		for _, v := range pdu.Variables {
			byOID[normalizeOID(v.Name)] = v
		}
		for i := start; i < end; i++ {
			v, ok := byOID[d.oids[i]]
			if !ok {
				c.Insert(d.keys[i], measurement.Measurement{TimestampMs: now, Error: "no variable returned"})
				failed = append(failed, d.keys[i])
				continue
			}
			m := convert(v)
			m.TimestampMs = now
			if !m.Valid {
				failed = append(failed, d.keys[i])
			}
			c.Insert(d.keys[i], m)
		}
	}

	if len(failed) > 0 {
		if lastErr == nil {
			lastErr = fmt.Errorf("invalid readings")
		}
		return c, fmt.Errorf("%s: %v for %s: %w", d.ID(), lastErr, strings.Join(failed, ", "), errors.ErrPollFailed)
	}
	return c, nil
}

// convert maps a variable to a measurement. Counters and gauges become
// numeric values, octet strings text.
func convert(v gosnmp.SnmpPDU) measurement.Measurement {
	switch v.Type {
	case gosnmp.Counter32, gosnmp.Counter64, gosnmp.Uinteger32, gosnmp.Gauge32:
		val := gosnmp.ToBigInt(v.Value).Uint64()
		return measurement.Measurement{Value: float64(val), Valid: true}

	case gosnmp.Integer:
		return measurement.Measurement{Value: float64(gosnmp.ToBigInt(v.Value).Int64()), Valid: true}

	case gosnmp.OctetString:
		b, _ := v.Value.([]byte)
		return measurement.Measurement{Text: string(b), Valid: true}

	case gosnmp.TimeTicks:
		return measurement.Measurement{Value: float64(gosnmp.ToBigInt(v.Value).Uint64()), Valid: true}

	case gosnmp.NoSuchObject, gosnmp.NoSuchInstance:
		return measurement.Measurement{Error: "OID not found"}

	default:
		return measurement.Measurement{Error: fmt.Sprintf("unsupported type: %v", v.Type)}
	}
}

// Close implements driver.Driver. Connections are per poll.
func (d *Driver) Close() error { return nil }

// =============================================================================
// SNMP Client Creation
// =============================================================================

func (d *Driver) createClient(ctx context.Context) *gosnmp.GoSNMP {
	o := &d.opts

	snmp := &gosnmp.GoSNMP{
		Context: ctx,
		Target:  o.Host,
		Port:    o.Port,
		Timeout: o.Timeout,
		Retries: o.Retries,
		MaxOids: gosnmp.MaxOids,
	}

	// Configure version based on presence of security name
	if o.SecurityName != "" {
		snmp.Version = gosnmp.Version3
		snmp.SecurityModel = gosnmp.UserSecurityModel
		snmp.MsgFlags = msgFlags(o.SecurityLevel)
		snmp.SecurityParameters = &gosnmp.UsmSecurityParameters{
			UserName:                 o.SecurityName,
			AuthenticationProtocol:   authProtocol(o.AuthProtocol),
			AuthenticationPassphrase: o.AuthPassword,
			PrivacyProtocol:          privProtocol(o.PrivProtocol),
			PrivacyPassphrase:        o.PrivPassword,
		}
		if o.ContextName != "" {
			snmp.ContextName = o.ContextName
		}
	} else {
		snmp.Version = gosnmp.Version2c
		snmp.Community = o.Community
	}

	return snmp
}

// =============================================================================
// SNMPv3 Protocol Helpers
// =============================================================================

func msgFlags(level string) gosnmp.SnmpV3MsgFlags {
	switch level {
	case "authNoPriv":
		return gosnmp.AuthNoPriv
	case "authPriv":
		return gosnmp.AuthPriv
	default:
		return gosnmp.NoAuthNoPriv
	}
}

func authProtocol(protocol string) gosnmp.SnmpV3AuthProtocol {
	switch protocol {
	case "MD5":
		return gosnmp.MD5
	case "SHA":
		return gosnmp.SHA
	case "SHA224":
		return gosnmp.SHA224
	case "SHA256":
		return gosnmp.SHA256
	case "SHA384":
		return gosnmp.SHA384
	case "SHA512":
		return gosnmp.SHA512
	default:
		return gosnmp.NoAuth
	}
}

func privProtocol(protocol string) gosnmp.SnmpV3PrivProtocol {
	switch protocol {
	case "DES":
		return gosnmp.DES
	case "AES":
		return gosnmp.AES
	case "AES192":
		return gosnmp.AES192
	case "AES256":
		return gosnmp.AES256
	default:
		return gosnmp.NoPriv
	}
}

// =============================================================================
// Error Helpers
// =============================================================================

func isTimeoutError(err error) bool {
	if err == nil {
		return false
	}
	// gosnmp returns "request timeout" on timeout
	return strings.Contains(err.Error(), "request timeout") ||
		errors.Is(err, context.DeadlineExceeded)
}
