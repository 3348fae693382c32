package registry

// Default returns the registry of entity tables synced by chartsync.
//
// Page sizes are tuned per entity: clinical notes carry large text bodies
// so they page smaller than the metadata-only tables. The messages table
// detects changes on sent_at rather than the generic updated_at column.
func Default() (*Registry, error) {
	return New(
		Descriptor{
			ClientName:  "patients",
			ServerTable: "patients",
			Fields:      []string{"id", "first_name", "last_name", "date_of_birth", "phone", "email", "updated_at"},
			PageSize:    100,
		},
		Descriptor{
			ClientName:  "appointments",
			ServerTable: "appointments",
			Fields:      []string{"id", "patient_id", "provider_id", "scheduled_at", "status", "reason", "updated_at"},
			PageSize:    100,
		},
		Descriptor{
			ClientName:  "notes",
			ServerTable: "clinical_notes",
			Fields:      []string{"id", "patient_id", "author_id", "body", "signed_at", "updated_at"},
			PageSize:    25,
		},
		Descriptor{
			ClientName:  "medications",
			ServerTable: "patient_medications",
			Fields:      []string{"id", "patient_id", "name", "dosage", "frequency", "prescribed_at", "updated_at"},
			PageSize:    100,
		},
		Descriptor{
			ClientName:  "allergies",
			ServerTable: "patient_allergies",
			Fields:      []string{"id", "patient_id", "allergen", "severity", "reaction", "updated_at"},
			PageSize:    100,
		},
		Descriptor{
			ClientName:  "messages",
			ServerTable: "messages",
			Fields:      []string{"id", "patient_id", "sender_id", "subject", "body", "sent_at"},
			PageSize:    50,
			TimeColumn:  "sent_at",
		},
	)
}

// DefaultTableMap returns the push-side table map matching Default().
//
// Reads and writes mostly target the same physical table, but messages are
// written through the outbox table the server drains for delivery.
func DefaultTableMap() *TableMap {
	return NewTableMap(map[string]string{
		"patients":     "patients",
		"appointments": "appointments",
		"notes":        "clinical_notes",
		"medications":  "patient_medications",
		"allergies":    "patient_allergies",
		"messages":     "message_outbox",
	})
}
