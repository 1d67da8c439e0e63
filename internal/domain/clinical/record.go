// Package clinical serves patient clinical data to actors the access engine
// has admitted, narrowed to the data scope of the admitting consent.
package clinical

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/consentcore/internal/platform/db"
)

// Record is one clinical fact. Kind is a data-scope category such as
// "Prescription" or "DiagnosticReport".
type Record struct {
	ID         uuid.UUID `json:"id"`
	PatientID  uuid.UUID `json:"patient_id"`
	Kind       string    `json:"kind"`
	Text       string    `json:"text"`
	RecordedAt time.Time `json:"recorded_at"`
}

// Records returns a patient's records, newest first.
type Records interface {
	ListByPatient(ctx context.Context, patientID uuid.UUID) ([]Record, error)
}

type MemoryRecords struct {
	mu      sync.RWMutex
	records map[uuid.UUID][]Record
}

func NewMemoryRecords() *MemoryRecords {
	return &MemoryRecords{records: make(map[uuid.UUID][]Record)}
}

func (m *MemoryRecords) Add(r Record) Record {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	m.mu.Lock()
	m.records[r.PatientID] = append(m.records[r.PatientID], r)
	m.mu.Unlock()
	return r
}

func (m *MemoryRecords) ListByPatient(_ context.Context, patientID uuid.UUID) ([]Record, error) {
	m.mu.RLock()
	out := append([]Record(nil), m.records[patientID]...)
	m.mu.RUnlock()
	sort.SliceStable(out, func(i, j int) bool { return out[i].RecordedAt.After(out[j].RecordedAt) })
	return out, nil
}

type recordsPG struct{ pool *pgxpool.Pool }

func NewRecordsPG(pool *pgxpool.Pool) Records { return &recordsPG{pool: pool} }

func (r *recordsPG) ListByPatient(ctx context.Context, patientID uuid.UUID) ([]Record, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `
		SELECT id, patient_id, kind, text, recorded_at FROM clinical_records
		WHERE patient_id = $1 ORDER BY recorded_at DESC`, patientID)
	if err != nil {
		return nil, fmt.Errorf("query clinical records: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.ID, &rec.PatientID, &rec.Kind, &rec.Text, &rec.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan clinical record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
