package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/Mindburn-Labs/syncbridge/pkg/contracts"
)

// InsertCommentLink couples a comment with its copy on the other side.
// A second insert for the same (side, remote_id) is a no-op, so replaying
// a comment event never re-posts.
func (q queries) InsertCommentLink(ctx context.Context, link contracts.CommentLink) error {
	query := `
		INSERT INTO comment_mapping (side, remote_id, other_side, other_remote_id)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (side, remote_id) DO NOTHING
	`
	_, err := q.q.ExecContext(ctx, query,
		string(link.Side), link.RemoteID, string(link.OtherSide), link.OtherRemoteID)
	if err != nil {
		return fmt.Errorf("store: insert comment link %s/%s: %w", link.Side, link.RemoteID, err)
	}
	return nil
}

// FindCommentLink returns the link of a comment, nil when the comment has
// never been mirrored.
func (q queries) FindCommentLink(ctx context.Context, side contracts.Provider, remoteID string) (*contracts.CommentLink, error) {
	row := q.q.QueryRowContext(ctx,
		`SELECT side, remote_id, other_side, other_remote_id FROM comment_mapping WHERE side = $1 AND remote_id = $2`,
		string(side), remoteID)

	var link contracts.CommentLink
	var s, other string
	if err := row.Scan(&s, &link.RemoteID, &other, &link.OtherRemoteID); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("store: find comment link %s/%s: %w", side, remoteID, err)
	}
	link.Side = contracts.Provider(s)
	link.OtherSide = contracts.Provider(other)
	return &link, nil
}
