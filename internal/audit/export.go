package audit

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"time"
)

// exportPageSize matches the timeline's page cap.
const exportPageSize = 50

// ExportTimeline renders every entry matching the filters as CSV, walking the
// timeline page by page. Page and PageSize on the filters are ignored.
func (s *Service) ExportTimeline(ctx context.Context, filters TimelineFilters) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write([]string{"occurred_at", "action", "actor_id", "subject_id", "object", "details"}); err != nil {
		return nil, fmt.Errorf("audit: write csv header: %w", err)
	}

	filters.Page = 1
	filters.PageSize = exportPageSize
	for {
		result, err := s.Timeline(ctx, filters)
		if err != nil {
			return nil, err
		}
		for _, e := range result.Rows {
			record, err := exportRecord(e)
			if err != nil {
				return nil, err
			}
			if err := w.Write(record); err != nil {
				return nil, fmt.Errorf("audit: write csv row: %w", err)
			}
		}
		if !result.Paging.HasNext {
			break
		}
		filters.Page++
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("audit: flush csv: %w", err)
	}
	return buf.Bytes(), nil
}

func exportRecord(e Entry) ([]string, error) {
	details := ""
	if len(e.Details) > 0 {
		raw, err := json.Marshal(e.Details)
		if err != nil {
			return nil, fmt.Errorf("audit: encode details: %w", err)
		}
		details = string(raw)
	}
	return []string{
		e.At.Format(time.RFC3339),
		string(e.Action),
		e.ActorID,
		e.SubjectID,
		e.Object,
		details,
	}, nil
}
