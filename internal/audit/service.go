package audit

import (
	"context"
	"fmt"
	"time"
)

// TimelineFilters narrows the timeline query. Zero values mean "no filter".
type TimelineFilters struct {
	ActorID   string
	SubjectID string
	Object    string
	Action    Action
	From      time.Time
	To        time.Time
	Page      int
	PageSize  int
}

// TimelineQuery is the repository-level form of a timeline request.
type TimelineQuery struct {
	ActorID   string
	SubjectID string
	Object    string
	Action    Action
	From      time.Time
	To        time.Time
	Offset    int
	Limit     int
}

// Repository provides access to persisted audit entries. Rows are returned in
// descending At order, ties broken by descending ID, so repeated queries see a
// stable order.
type Repository interface {
	TimelineWindow(ctx context.Context, q TimelineQuery) ([]Entry, error)
}

// PagingInfo describes the position of a timeline page.
type PagingInfo struct {
	Page     int
	PageSize int
	HasNext  bool
	PrevPage int
	NextPage int
}

// Result wraps one page of timeline rows.
type Result struct {
	Rows   []Entry
	Paging PagingInfo
}

// Service coordinates audit timeline reads.
type Service struct {
	repo Repository
}

// NewService builds an audit timeline service.
func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// Timeline fetches one page of audit entries matching the filters.
func (s *Service) Timeline(ctx context.Context, filters TimelineFilters) (Result, error) {
	if s.repo == nil {
		return Result{}, fmt.Errorf("audit: repository not configured")
	}
	pageSize := filters.PageSize
	if pageSize <= 0 {
		pageSize = 20
	}
	if pageSize > 50 {
		pageSize = 50
	}
	page := filters.Page
	if page <= 0 {
		page = 1
	}
	offset := (page - 1) * pageSize
	rows, err := s.repo.TimelineWindow(ctx, TimelineQuery{
		ActorID:   filters.ActorID,
		SubjectID: filters.SubjectID,
		Object:    filters.Object,
		Action:    filters.Action,
		From:      filters.From,
		To:        filters.To,
		Offset:    offset,
		Limit:     pageSize + 1,
	})
	if err != nil {
		return Result{}, err
	}
	hasNext := len(rows) > pageSize
	if hasNext {
		rows = rows[:pageSize]
	}
	paging := PagingInfo{Page: page, PageSize: pageSize, HasNext: hasNext}
	if page > 1 {
		paging.PrevPage = page - 1
	}
	if hasNext {
		paging.NextPage = page + 1
	}
	return Result{Rows: rows, Paging: paging}, nil
}

// SubjectTimeline is a convenience wrapper scoping the timeline to one subject.
func (s *Service) SubjectTimeline(ctx context.Context, subjectID string, page, pageSize int) (Result, error) {
	return s.Timeline(ctx, TimelineFilters{SubjectID: subjectID, Page: page, PageSize: pageSize})
}

// ObjectTimeline scopes the timeline to one permission or role name.
func (s *Service) ObjectTimeline(ctx context.Context, object string, page, pageSize int) (Result, error) {
	return s.Timeline(ctx, TimelineFilters{Object: object, Page: page, PageSize: pageSize})
}
