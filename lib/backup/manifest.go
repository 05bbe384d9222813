// Strata
// Copyright (C) 2024 StrataDB, Inc.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package backup

// Type selects what a backup captures.
type Type string

const (
	// TypeFull exports every record of the selected resources.
	TypeFull Type = "full"
	// TypeIncremental exports records updated since the last completed
	// backup, or within the fallback window when none exists.
	TypeIncremental Type = "incremental"
)

// Status is a backup's lifecycle state in the metadata store.
type Status string

const (
	// StatusRunning marks a backup in progress.
	StatusRunning Status = "running"
	// StatusCompleted marks a backup whose every export succeeded.
	StatusCompleted Status = "completed"
	// StatusPartial marks a backup with at least one failed export.
	StatusPartial Status = "partial"
	// StatusFailed marks a backup whose every export failed.
	StatusFailed Status = "failed"
)

// Manifest describes one backup: what was exported, where, and with
// what checksum. It is stored alongside the exports and is the source
// of truth for Verify and Restore.
type Manifest struct {
	// ID identifies the backup.
	ID string `json:"id"`
	// Type is full or incremental.
	Type Type `json:"type"`
	// Since is the incremental lower bound, empty for full backups.
	Since string `json:"since,omitempty"`
	// StartedAt is when the backup began.
	StartedAt string `json:"startedAt"`
	// CompletedAt is when the backup finished.
	CompletedAt string `json:"completedAt"`
	// Resources lists one export per selected resource.
	Resources []ResourceExport `json:"resources"`
}

// ResourceExport describes one resource's export within a backup.
type ResourceExport struct {
	// Name is the resource name.
	Name string `json:"name"`
	// Key is the export object's key within the plugin keyspace.
	Key string `json:"key,omitempty"`
	// Records is how many records the export holds.
	Records int `json:"records"`
	// Bytes is the compressed export size.
	Bytes int64 `json:"bytes"`
	// SHA256 is the hex checksum of the stored object.
	SHA256 string `json:"sha256,omitempty"`
	// Error reports an export that failed; such exports store no
	// object.
	Error string `json:"error,omitempty"`
}

// Failed reports whether any export in the manifest failed.
func (m *Manifest) Failed() []string {
	var names []string
	for _, exp := range m.Resources {
		if exp.Error != "" {
			names = append(names, exp.Name)
		}
	}
	return names
}

func manifestKey(backupID string) string {
	return backupID + "/manifest.json"
}

func exportKey(backupID, resourceName string) string {
	return backupID + "/" + resourceName + ".jsonl.gz"
}
