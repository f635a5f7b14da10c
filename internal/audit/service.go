package audit

import (
	"context"
	"fmt"
)

// RepositoryPort defines the data access the timeline service needs.
type RepositoryPort interface {
	TimelineWindow(ctx context.Context, f TimelineFilters, offset, limit int) ([]Entry, error)
}

// Service coordinates audit timeline reads.
type Service struct {
	repo RepositoryPort
}

// NewService builds a timeline service.
func NewService(repo RepositoryPort) *Service {
	return &Service{repo: repo}
}

// Timeline fetches one page of events with paging metadata.
func (s *Service) Timeline(ctx context.Context, filters TimelineFilters) (Result, error) {
	if s.repo == nil {
		return Result{}, fmt.Errorf("audit: repository not configured")
	}
	pageSize := filters.PageSize
	if pageSize <= 0 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}
	page := filters.Page
	if page <= 0 {
		page = 1
	}
	offset := (page - 1) * pageSize

	rows, err := s.repo.TimelineWindow(ctx, filters, offset, pageSize+1)
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
