package doser

import (
	"encoding/json"

	"github.com/dsyorkd/pi-doser/internal/errors"
)

// StoreKeyMotors is the key the calibration collection is stored under
const StoreKeyMotors = "motors"

// Reconcile binds stored records to detected motors by identity. Records keep
// their stored order, motors without a record get a default one appended and
// records left without a motor are dropped. With no records every motor gets
// a default, in detection order.
func Reconcile(records []CalibrationRecord, motors []Motor) []*Pump {
	pumps := make([]*Pump, 0, len(motors))
	for _, rec := range records {
		pumps = append(pumps, NewPump(rec, nil))
	}

	for _, m := range motors {
		bound := false
		for _, p := range pumps {
			if p.motor == nil && p.ID == m.ID() {
				p.motor = m
				bound = true
				break
			}
		}
		if !bound {
			pumps = append(pumps, NewPump(DefaultRecord(m.ID()), m))
		}
	}

	kept := pumps[:0]
	for _, p := range pumps {
		if p.motor != nil {
			kept = append(kept, p)
		}
	}
	return kept
}

// decodeRecords parses a stored collection. Absent, empty and corrupt values
// all yield no records.
func decodeRecords(raw string) ([]CalibrationRecord, error) {
	if raw == "" {
		return nil, nil
	}
	var records []CalibrationRecord
	if err := json.Unmarshal([]byte(raw), &records); err != nil {
		return nil, errors.NewPersistenceError(StoreKeyMotors, "decode", err)
	}
	return records, nil
}

func encodeRecords(pumps []*Pump) (string, error) {
	records := make([]CalibrationRecord, len(pumps))
	for i, p := range pumps {
		records[i] = p.CalibrationRecord
	}
	data, err := json.Marshal(records)
	if err != nil {
		return "", errors.NewPersistenceError(StoreKeyMotors, "encode", err)
	}
	return string(data), nil
}
