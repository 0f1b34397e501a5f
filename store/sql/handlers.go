package sqlstore

import (
	"strings"

	repository "github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
)

// idHandlers builds the repository wiring shared by every record keyed on a
// string "id" column. Non-UUID identifiers resolve to uuid.Nil.
func idHandlers[T any](newRecord func() T, getID func(T) string, setID func(T, string)) repository.ModelHandlers[T] {
	return repository.ModelHandlers[T]{
		NewRecord: newRecord,
		GetID: func(record T) uuid.UUID {
			return parseUUID(getID(record))
		},
		SetID: func(record T, id uuid.UUID) {
			setID(record, id.String())
		},
		GetIdentifier: func() string {
			return "id"
		},
		GetIdentifierValue: func(record T) string {
			return strings.TrimSpace(getID(record))
		},
	}
}

func benefitHandlers() repository.ModelHandlers[*benefitRecord] {
	return idHandlers(
		func() *benefitRecord { return &benefitRecord{} },
		func(record *benefitRecord) string {
			if record == nil {
				return ""
			}
			return record.ID
		},
		func(record *benefitRecord, id string) {
			if record != nil {
				record.ID = id
			}
		},
	)
}

func meterHandlers() repository.ModelHandlers[*meterRecord] {
	return idHandlers(
		func() *meterRecord { return &meterRecord{} },
		func(record *meterRecord) string {
			if record == nil {
				return ""
			}
			return record.ID
		},
		func(record *meterRecord, id string) {
			if record != nil {
				record.ID = id
			}
		},
	)
}

func grantHandlers() repository.ModelHandlers[*grantRecord] {
	return idHandlers(
		func() *grantRecord { return &grantRecord{} },
		func(record *grantRecord) string {
			if record == nil {
				return ""
			}
			return record.ID
		},
		func(record *grantRecord, id string) {
			if record != nil {
				record.ID = id
			}
		},
	)
}

func usageEventHandlers() repository.ModelHandlers[*usageEventRecord] {
	return idHandlers(
		func() *usageEventRecord { return &usageEventRecord{} },
		func(record *usageEventRecord) string {
			if record == nil {
				return ""
			}
			return record.ID
		},
		func(record *usageEventRecord, id string) {
			if record != nil {
				record.ID = id
			}
		},
	)
}

func grantTaskHandlers() repository.ModelHandlers[*grantTaskRecord] {
	return idHandlers(
		func() *grantTaskRecord { return &grantTaskRecord{} },
		func(record *grantTaskRecord) string {
			if record == nil {
				return ""
			}
			return record.ID
		},
		func(record *grantTaskRecord, id string) {
			if record != nil {
				record.ID = id
			}
		},
	)
}

func parseUUID(value string) uuid.UUID {
	parsed, err := uuid.Parse(strings.TrimSpace(value))
	if err != nil {
		return uuid.Nil
	}
	return parsed
}
