package registry

import (
	"errors"
	"strings"
	"testing"
)

func validDescriptor(name string) Descriptor {
	return Descriptor{
		ClientName:  name,
		ServerTable: name,
		Fields:      []string{"id", "updated_at"},
		PageSize:    10,
	}
}

func TestNew_Valid(t *testing.T) {
	r, err := New(validDescriptor("patients"), validDescriptor("appointments"))
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	if r.Len() != 2 {
		t.Errorf("Len() = %d, want 2", r.Len())
	}
}

func TestNew_ValidationFailures(t *testing.T) {
	tests := []struct {
		name string
		desc Descriptor
		want string
	}{
		{
			name: "empty client name",
			desc: Descriptor{ServerTable: "t", Fields: []string{"id"}, PageSize: 10},
			want: "client name",
		},
		{
			name: "empty server table",
			desc: Descriptor{ClientName: "t", Fields: []string{"id"}, PageSize: 10},
			want: "server table",
		},
		{
			name: "empty projection",
			desc: Descriptor{ClientName: "t", ServerTable: "t", PageSize: 10},
			want: "field projection",
		},
		{
			name: "zero page size",
			desc: Descriptor{ClientName: "t", ServerTable: "t", Fields: []string{"id"}},
			want: "page size",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.desc)
			if err == nil {
				t.Fatal("New() succeeded, want validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %q, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestNew_DuplicateClientName(t *testing.T) {
	_, err := New(validDescriptor("patients"), validDescriptor("patients"))
	if err == nil {
		t.Fatal("New() succeeded with duplicate names, want error")
	}
}

func TestLookup_Unknown(t *testing.T) {
	r, err := New(validDescriptor("patients"), validDescriptor("appointments"))
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	_, err = r.Lookup("billing")
	if !errors.Is(err, ErrUnknownTable) {
		t.Fatalf("Lookup() error = %v, want ErrUnknownTable", err)
	}

	// The error must enumerate valid names so callers can self-correct.
	for _, name := range []string{"patients", "appointments"} {
		if !strings.Contains(err.Error(), name) {
			t.Errorf("error %q does not list valid table %q", err, name)
		}
	}
}

func TestEffectiveTimeColumn(t *testing.T) {
	d := validDescriptor("patients")
	if got := d.EffectiveTimeColumn(); got != DefaultTimeColumn {
		t.Errorf("EffectiveTimeColumn() = %q, want %q", got, DefaultTimeColumn)
	}

	d.TimeColumn = "sent_at"
	if got := d.EffectiveTimeColumn(); got != "sent_at" {
		t.Errorf("EffectiveTimeColumn() = %q, want 'sent_at'", got)
	}
}

func TestDefault_Valid(t *testing.T) {
	r, err := Default()
	if err != nil {
		t.Fatalf("Default() failed: %v", err)
	}

	for _, name := range []string{"patients", "appointments", "notes", "medications", "allergies", "messages"} {
		if _, err := r.Lookup(name); err != nil {
			t.Errorf("Lookup(%q) failed: %v", name, err)
		}
	}

	// Every registered table must have a write mapping.
	tm := DefaultTableMap()
	for _, name := range r.Names() {
		if _, err := tm.Resolve(name); err != nil {
			t.Errorf("Resolve(%q) failed: %v", name, err)
		}
	}
}

func TestTableMap_MessagesOutbox(t *testing.T) {
	tm := DefaultTableMap()

	physical, err := tm.Resolve("messages")
	if err != nil {
		t.Fatalf("Resolve() failed: %v", err)
	}
	if physical != "message_outbox" {
		t.Errorf("Resolve(messages) = %q, want 'message_outbox'", physical)
	}

	if _, err := tm.Resolve("invoices"); !errors.Is(err, ErrUnknownTable) {
		t.Errorf("Resolve(invoices) error = %v, want ErrUnknownTable", err)
	}
}
