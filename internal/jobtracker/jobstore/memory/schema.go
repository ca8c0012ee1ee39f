package memory

import (
	"github.com/hashicorp/go-memdb"

	"github.com/G-Research/jobtracker/internal/jobtracker/model"
)

const (
	activeTable      = "active"
	archivedTable    = "archived"
	quarantinedTable = "quarantined"
	outcomesTable    = "outcomes"

	idIndex    = "id"    // index for looking up records by job id, or outcomes by job id and output path
	jobIdIndex = "jobId" // index for looking up all outcomes of a job
)

type archivedRecord struct {
	JobId    string
	Archived *model.ArchivedJob
}

type quarantinedRecord struct {
	JobId       string
	Quarantined *model.QuarantinedJob
}

func byJobId() *memdb.IndexSchema {
	return &memdb.IndexSchema{
		Name:    idIndex,
		Unique:  true,
		Indexer: &memdb.StringFieldIndex{Field: "JobId"},
	}
}

// jobsSchema holds the three collections a job id can be in. Keeping them in one database lets a single write
// transaction check all three before mutating any of them.
func jobsSchema() *memdb.DBSchema {
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			activeTable: {
				Name:    activeTable,
				Indexes: map[string]*memdb.IndexSchema{idIndex: byJobId()},
			},
			archivedTable: {
				Name:    archivedTable,
				Indexes: map[string]*memdb.IndexSchema{idIndex: byJobId()},
			},
			quarantinedTable: {
				Name:    quarantinedTable,
				Indexes: map[string]*memdb.IndexSchema{idIndex: byJobId()},
			},
		},
	}
}

// outcomesSchema is kept in a database of its own so that outcome writes never queue behind aggregate writes.
func outcomesSchema() *memdb.DBSchema {
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			outcomesTable: {
				Name: outcomesTable,
				Indexes: map[string]*memdb.IndexSchema{
					idIndex: {
						Name:   idIndex,
						Unique: true,
						Indexer: &memdb.CompoundIndex{
							Indexes: []memdb.Indexer{
								&memdb.StringFieldIndex{Field: "JobId"},
								&memdb.StringFieldIndex{Field: "OutputPath"},
							},
						},
					},
					jobIdIndex: {
						Name:    jobIdIndex,
						Unique:  false,
						Indexer: &memdb.StringFieldIndex{Field: "JobId"},
					},
				},
			},
		},
	}
}
