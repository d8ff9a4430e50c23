package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// ShareRepository handles the translated share ledger
type ShareRepository struct {
	db *sql.DB
}

// NewShareRepository creates a new share repository
func NewShareRepository(db *sql.DB) *ShareRepository {
	return &ShareRepository{db: db}
}

// CreateShare inserts a resolved share
func (r *ShareRepository) CreateShare(ctx context.Context, share *TranslatedShare) error {
	query := `
		INSERT INTO translated_shares (connection_id, downstream_user, upstream_user, channel_id,
		                               sequence_number, downstream_job_id, upstream_job_id, difficulty,
		                               accepted, error_code, latency_ms, submitted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING id`

	err := r.db.QueryRowContext(ctx, query,
		share.ConnectionID, share.DownstreamUser, share.UpstreamUser, int64(share.ChannelID),
		int64(share.SequenceNumber), int64(share.DownstreamJobID), share.UpstreamJobID, share.Difficulty,
		share.Accepted, share.ErrorCode, share.LatencyMs, share.SubmittedAt,
	).Scan(&share.ID)

	if err != nil {
		return fmt.Errorf("failed to create share: %w", err)
	}

	return nil
}

// GetSharesByUser retrieves a user's most recent shares with pagination
func (r *ShareRepository) GetSharesByUser(ctx context.Context, user string, limit, offset int) ([]*TranslatedShare, error) {
	query := `
		SELECT id, connection_id, downstream_user, upstream_user, channel_id, sequence_number,
		       downstream_job_id, upstream_job_id, difficulty, accepted, error_code, latency_ms, submitted_at
		FROM translated_shares
		WHERE downstream_user = $1
		ORDER BY submitted_at DESC
		LIMIT $2 OFFSET $3`

	rows, err := r.db.QueryContext(ctx, query, user, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query shares: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var shares []*TranslatedShare
	for rows.Next() {
		share := &TranslatedShare{}
		var channelID, sequence, jobID int64
		err := rows.Scan(
			&share.ID, &share.ConnectionID, &share.DownstreamUser, &share.UpstreamUser,
			&channelID, &sequence, &jobID, &share.UpstreamJobID, &share.Difficulty,
			&share.Accepted, &share.ErrorCode, &share.LatencyMs, &share.SubmittedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan share: %w", err)
		}
		share.ChannelID = uint32(channelID)
		share.SequenceNumber = uint32(sequence)
		share.DownstreamJobID = uint32(jobID)
		shares = append(shares, share)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating shares: %w", err)
	}

	return shares, nil
}

// GetShareSummary aggregates a user's shares submitted since the given time
func (r *ShareRepository) GetShareSummary(ctx context.Context, user string, since time.Time) (*ShareSummary, error) {
	query := `
		SELECT COUNT(*) FILTER (WHERE accepted),
		       COUNT(*) FILTER (WHERE NOT accepted),
		       COALESCE(SUM(difficulty) FILTER (WHERE accepted), 0)
		FROM translated_shares
		WHERE downstream_user = $1 AND submitted_at >= $2`

	summary := &ShareSummary{DownstreamUser: user}
	err := r.db.QueryRowContext(ctx, query, user, since).Scan(
		&summary.Accepted, &summary.Rejected, &summary.DifficultySum,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to summarise shares: %w", err)
	}

	return summary, nil
}

// ConnectionRepository records closed downstream connections
type ConnectionRepository struct {
	db *sql.DB
}

// NewConnectionRepository creates a new connection repository
func NewConnectionRepository(db *sql.DB) *ConnectionRepository {
	return &ConnectionRepository{db: db}
}

// CreateConnection inserts a closed connection record
func (r *ConnectionRepository) CreateConnection(ctx context.Context, conn *ConnectionRecord) error {
	query := `
		INSERT INTO proxy_connections (connection_id, remote_addr, downstream_user, reason, fatal, closed_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`

	err := r.db.QueryRowContext(ctx, query,
		conn.ConnectionID, conn.RemoteAddr, conn.DownstreamUser, conn.Reason, conn.Fatal, conn.ClosedAt,
	).Scan(&conn.ID)

	if err != nil {
		return fmt.Errorf("failed to create connection record: %w", err)
	}

	return nil
}
