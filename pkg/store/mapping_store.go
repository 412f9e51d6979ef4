package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/Mindburn-Labs/syncbridge/pkg/contracts"
)

const mappingColumns = `src_repo, src_number, page_id, last_src_hash, last_tgt_hash,
	last_sync_direction, last_sync_at, version, orphaned`

// UpsertMapping writes a Mapping by its natural key. The caller is
// responsible for having bumped Version; the write is rejected when it would
// move the version backwards, which keeps the counter strictly increasing
// under concurrent writers.
func (q queries) UpsertMapping(ctx context.Context, m contracts.Mapping) error {
	query := `
		INSERT INTO mapping (` + mappingColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (src_repo, src_number) DO UPDATE SET
			page_id = $3,
			last_src_hash = $4,
			last_tgt_hash = $5,
			last_sync_direction = $6,
			last_sync_at = $7,
			version = $8,
			orphaned = $9
		WHERE mapping.version < $8
	`
	_, err := q.q.ExecContext(ctx, query,
		m.SrcRepo, m.SrcNumber, m.PageID, m.LastSrcHash, m.LastTgtHash,
		string(m.LastDirection), formatTime(m.LastSyncAt), m.Version, m.Orphaned,
	)
	if err != nil {
		return fmt.Errorf("store: upsert mapping %s#%d: %w", m.SrcRepo, m.SrcNumber, err)
	}
	return nil
}

// FindMappingBySource returns the Mapping of an issue, or nil when the
// issue has never been synchronized.
func (q queries) FindMappingBySource(ctx context.Context, srcRepo string, srcNumber int) (*contracts.Mapping, error) {
	query := `SELECT ` + mappingColumns + ` FROM mapping WHERE src_repo = $1 AND src_number = $2`
	return q.scanMapping(q.q.QueryRowContext(ctx, query, srcRepo, srcNumber))
}

// FindMappingByPage returns the Mapping of a page, or nil when the page is
// not coupled to any issue.
func (q queries) FindMappingByPage(ctx context.Context, pageID string) (*contracts.Mapping, error) {
	query := `SELECT ` + mappingColumns + ` FROM mapping WHERE page_id = $1`
	return q.scanMapping(q.q.QueryRowContext(ctx, query, pageID))
}

// MarkMappingOrphaned flags a mapping whose page no longer exists upstream.
func (q queries) MarkMappingOrphaned(ctx context.Context, pageID string) error {
	_, err := q.q.ExecContext(ctx, `UPDATE mapping SET orphaned = TRUE WHERE page_id = $1`, pageID)
	if err != nil {
		return fmt.Errorf("store: mark mapping orphaned %s: %w", pageID, err)
	}
	return nil
}

// CountOrphanedMappings reports how many mappings lost their page.
func (q queries) CountOrphanedMappings(ctx context.Context) (int64, error) {
	var n int64
	err := q.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM mapping WHERE orphaned = TRUE`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: count orphaned mappings: %w", err)
	}
	return n, nil
}

func (queries) scanMapping(row *sql.Row) (*contracts.Mapping, error) {
	var (
		m         contracts.Mapping
		direction string
		syncAt    string
	)
	err := row.Scan(&m.SrcRepo, &m.SrcNumber, &m.PageID, &m.LastSrcHash, &m.LastTgtHash,
		&direction, &syncAt, &m.Version, &m.Orphaned)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("store: scan mapping: %w", err)
	}
	m.LastDirection = contracts.Direction(direction)
	m.LastSyncAt = parseTime(syncAt)
	return &m, nil
}
