package snmp

import (
	"context"
	"testing"
	"time"

	"github.com/gosnmp/gosnmp"

	"github.com/xtxerr/daqstore/internal/driver"
	"github.com/xtxerr/daqstore/internal/errors"
)

func TestConvert(t *testing.T) {
	tests := []struct {
		name  string
		pdu   gosnmp.SnmpPDU
		valid bool
		value float64
		text  string
	}{
		{"counter32", gosnmp.SnmpPDU{Type: gosnmp.Counter32, Value: uint(42)}, true, 42, ""},
		{"counter64", gosnmp.SnmpPDU{Type: gosnmp.Counter64, Value: uint64(1 << 40)}, true, 1 << 40, ""},
		{"gauge32", gosnmp.SnmpPDU{Type: gosnmp.Gauge32, Value: uint(230)}, true, 230, ""},
		{"integer", gosnmp.SnmpPDU{Type: gosnmp.Integer, Value: -17}, true, -17, ""},
		{"timeticks", gosnmp.SnmpPDU{Type: gosnmp.TimeTicks, Value: uint32(1000)}, true, 1000, ""},
		{"octets", gosnmp.SnmpPDU{Type: gosnmp.OctetString, Value: []byte("online")}, true, 0, "online"},
		{"missing", gosnmp.SnmpPDU{Type: gosnmp.NoSuchObject}, false, 0, ""},
		{"unsupported", gosnmp.SnmpPDU{Type: gosnmp.IPAddress, Value: "10.0.0.1"}, false, 0, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := convert(tt.pdu)
			if m.Valid != tt.valid {
				t.Fatalf("valid=%v, want %v (error %q)", m.Valid, tt.valid, m.Error)
			}
			if !tt.valid {
				if m.Error == "" {
					t.Error("invalid reading without error")
				}
				return
			}
			if m.Value != tt.value || m.Text != tt.text {
				t.Errorf("got value=%v text=%q, want %v %q", m.Value, m.Text, tt.value, tt.text)
			}
		})
	}
}

func TestOptionsValidation(t *testing.T) {
	valid := map[string]any{
		"host":      "192.0.2.10",
		"community": "lab",
		"oids":      map[string]any{"uptime": "1.3.6.1.2.1.1.3.0"},
	}
	if _, err := driver.Open(driver.Config{ID: "ups", Type: Type, Options: valid}); err != nil {
		t.Fatalf("valid options rejected: %v", err)
	}

	tests := []struct {
		name string
		opts map[string]any
	}{
		{"no host", map[string]any{"community": "lab", "oids": map[string]any{"a": "1.3"}}},
		{"no oids", map[string]any{"host": "h", "community": "lab"}},
		{"empty oid", map[string]any{"host": "h", "community": "lab", "oids": map[string]any{"a": "."}}},
		{"no community", map[string]any{"host": "h", "oids": map[string]any{"a": "1.3"}}},
		{"unknown option", map[string]any{"host": "h", "community": "lab", "oids": map[string]any{"a": "1.3"}, "version": "1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := driver.Open(driver.Config{ID: "ups", Type: Type, Options: tt.opts}); !errors.IsConfiguration(err) {
				t.Errorf("expected configuration error, got %v", err)
			}
		})
	}
}

func TestNewSortsKeysAndNormalizesOIDs(t *testing.T) {
	d, err := New(driver.Config{ID: "ups"}.WithDefaults(), Options{
		Host:      "h",
		Community: "c",
		OIDs:      map[string]string{"temp": "1.3.6.1.4.1.1", "load": ".1.3.6.1.4.1.2."},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if d.keys[0] != "load" || d.keys[1] != "temp" {
		t.Errorf("keys not sorted: %v", d.keys)
	}
	if d.oids[0] != ".1.3.6.1.4.1.2" || d.oids[1] != ".1.3.6.1.4.1.1" {
		t.Errorf("oids not normalized: %v", d.oids)
	}
	if d.opts.Port != 161 || d.opts.Timeout <= 0 {
		t.Errorf("defaults not applied: %+v", d.opts)
	}
}

func TestCreateClientV3(t *testing.T) {
	d, err := New(driver.Config{ID: "ups"}.WithDefaults(), Options{
		Host:          "h",
		SecurityName:  "daq",
		SecurityLevel: "authPriv",
		AuthProtocol:  "SHA256",
		PrivProtocol:  "AES",
		OIDs:          map[string]string{"a": "1.3"},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	client := d.createClient(context.Background())
	if client.Version != gosnmp.Version3 || client.MsgFlags != gosnmp.AuthPriv {
		t.Errorf("unexpected version/flags %v/%v", client.Version, client.MsgFlags)
	}
	usm := client.SecurityParameters.(*gosnmp.UsmSecurityParameters)
	if usm.AuthenticationProtocol != gosnmp.SHA256 || usm.PrivacyProtocol != gosnmp.AES {
		t.Errorf("unexpected protocols %v/%v", usm.AuthenticationProtocol, usm.PrivacyProtocol)
	}
}

func TestPollUnreachableYieldsInvalidReadings(t *testing.T) {
	d, err := New(driver.Config{ID: "ups"}.WithDefaults(), Options{
		Host:      "127.0.0.1",
		Port:      1,
		Community: "public",
		Timeout:   50 * time.Millisecond,
		OIDs:      map[string]string{"uptime": "1.3.6.1.2.1.1.3.0", "name": "1.3.6.1.2.1.1.5.0"},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	c, err := d.Poll(ctx)
	if !errors.Is(err, errors.ErrPollFailed) {
		t.Fatalf("expected ErrPollFailed, got %v", err)
	}
	if c == nil || c.Size() != 2 {
		t.Fatalf("expected 2 invalid readings, got %v", c)
	}
	for _, key := range []string{"name", "uptime"} {
		if m := c.Series(key)[0]; m.Valid || m.Error == "" {
			t.Errorf("%s: expected invalid reading, got %+v", key, m)
		}
	}
}
