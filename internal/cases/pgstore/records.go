package pgstore

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/linnemanlabs/quarry/internal/extract"
)

var (
	hostColumns = []string{
		"case_id", "run_id", "submitted_by", "source", "status", "indicator_id", "indicator_type",
		"indicator", "full_path", "sha256", "sha1", "md5", "type_purpose", "size_bytes", "notes",
	}
	networkColumns = []string{
		"case_id", "run_id", "submitted_by", "source", "status", "indicator_id", "indicator_type",
		"indicator", "initial_lead", "details_comments", "earliest_evidence_utc", "attack_alignment", "notes",
	}
	timelineColumns = []string{
		"case_id", "run_id", "submitted_by", "status_tag", "system_name", "timestamp_utc", "timestamp_type",
		"activity", "evidence_source", "details_comments", "attack_alignment", "size_bytes", "hash", "notes",
	}
)

func copyHost(ctx context.Context, tx pgx.Tx, caseID, runID string, recs []extract.HostIndicator) error {
	if len(recs) == 0 {
		return nil
	}
	_, err := tx.CopyFrom(ctx, pgx.Identifier{"host_ioc"}, hostColumns,
		pgx.CopyFromSlice(len(recs), func(i int) ([]any, error) {
			h := recs[i]
			return []any{
				caseID, runID, h.SubmittedBy, h.Source, h.Status, h.IndicatorID, h.IndicatorType,
				h.Indicator, h.FullPath, h.SHA256, h.SHA1, h.MD5, h.TypePurpose, h.SizeBytes, h.Notes,
			}, nil
		}))
	if err != nil {
		return fmt.Errorf("copy host_ioc: %w", err)
	}
	return nil
}

func copyNetwork(ctx context.Context, tx pgx.Tx, caseID, runID string, recs []extract.NetworkIndicator) error {
	if len(recs) == 0 {
		return nil
	}
	_, err := tx.CopyFrom(ctx, pgx.Identifier{"network_ioc"}, networkColumns,
		pgx.CopyFromSlice(len(recs), func(i int) ([]any, error) {
			n := recs[i]
			return []any{
				caseID, runID, n.SubmittedBy, n.Source, n.Status, n.IndicatorID, n.IndicatorType,
				n.Indicator, n.InitialLead, n.DetailsComments, n.EarliestEvidenceUTC, n.AttackAlignment, n.Notes,
			}, nil
		}))
	if err != nil {
		return fmt.Errorf("copy network_ioc: %w", err)
	}
	return nil
}

func copyTimeline(ctx context.Context, tx pgx.Tx, caseID, runID string, recs []extract.TimelineEvent) error {
	if len(recs) == 0 {
		return nil
	}
	_, err := tx.CopyFrom(ctx, pgx.Identifier{"timeline"}, timelineColumns,
		pgx.CopyFromSlice(len(recs), func(i int) ([]any, error) {
			e := recs[i]
			return []any{
				caseID, runID, e.SubmittedBy, e.StatusTag, e.SystemName, e.TimestampUTC, e.TimestampType,
				e.Activity, e.EvidenceSource, e.DetailsComments, e.AttackAlignment, e.SizeBytes, e.Hash, e.Notes,
			}, nil
		}))
	if err != nil {
		return fmt.Errorf("copy timeline: %w", err)
	}
	return nil
}

func (s *Store) loadHost(ctx context.Context, caseID string) ([]extract.HostIndicator, error) {
	rows, err := s.pool.Query(ctx, `SELECT submitted_by, source, status, indicator_id, indicator_type,
		indicator, full_path, sha256, sha1, md5, type_purpose, size_bytes, notes
		FROM host_ioc WHERE case_id = $1 ORDER BY id`, caseID)
	if err != nil {
		return nil, fmt.Errorf("query host_ioc: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (extract.HostIndicator, error) {
		var h extract.HostIndicator
		err := row.Scan(&h.SubmittedBy, &h.Source, &h.Status, &h.IndicatorID, &h.IndicatorType,
			&h.Indicator, &h.FullPath, &h.SHA256, &h.SHA1, &h.MD5, &h.TypePurpose, &h.SizeBytes, &h.Notes)
		return h, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan host_ioc: %w", err)
	}
	return out, nil
}

func (s *Store) loadNetwork(ctx context.Context, caseID string) ([]extract.NetworkIndicator, error) {
	rows, err := s.pool.Query(ctx, `SELECT submitted_by, source, status, indicator_id, indicator_type,
		indicator, initial_lead, details_comments, earliest_evidence_utc, attack_alignment, notes
		FROM network_ioc WHERE case_id = $1 ORDER BY id`, caseID)
	if err != nil {
		return nil, fmt.Errorf("query network_ioc: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (extract.NetworkIndicator, error) {
		var n extract.NetworkIndicator
		err := row.Scan(&n.SubmittedBy, &n.Source, &n.Status, &n.IndicatorID, &n.IndicatorType,
			&n.Indicator, &n.InitialLead, &n.DetailsComments, &n.EarliestEvidenceUTC, &n.AttackAlignment, &n.Notes)
		return n, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan network_ioc: %w", err)
	}
	return out, nil
}

func (s *Store) loadTimeline(ctx context.Context, caseID string) ([]extract.TimelineEvent, error) {
	rows, err := s.pool.Query(ctx, `SELECT submitted_by, status_tag, system_name, timestamp_utc, timestamp_type,
		activity, evidence_source, details_comments, attack_alignment, size_bytes, hash, notes
		FROM timeline WHERE case_id = $1 ORDER BY timestamp_utc, id`, caseID)
	if err != nil {
		return nil, fmt.Errorf("query timeline: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (extract.TimelineEvent, error) {
		var e extract.TimelineEvent
		err := row.Scan(&e.SubmittedBy, &e.StatusTag, &e.SystemName, &e.TimestampUTC, &e.TimestampType,
			&e.Activity, &e.EvidenceSource, &e.DetailsComments, &e.AttackAlignment, &e.SizeBytes, &e.Hash, &e.Notes)
		e.TimestampUTC = e.TimestampUTC.UTC()
		return e, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan timeline: %w", err)
	}
	return out, nil
}
