package audit

import (
	"context"
	"fmt"
	"testing"
	"time"
)

type stubRepo struct {
	entries    []Entry
	lastOffset int
	lastLimit  int
	lastFilter TimelineFilters
}

func (s *stubRepo) TimelineWindow(ctx context.Context, f TimelineFilters, offset, limit int) ([]Entry, error) {
	s.lastFilter = f
	s.lastOffset = offset
	s.lastLimit = limit
	if offset >= len(s.entries) {
		return nil, nil
	}
	end := offset + limit
	if end > len(s.entries) {
		end = len(s.entries)
	}
	return s.entries[offset:end], nil
}

func manyEntries(n int) []Entry {
	out := make([]Entry, n)
	for i := range out {
		out[i] = Entry{
			EventID: fmt.Sprintf("ev-%03d", i),
			Type:    "permission_check",
			At:      time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC).Add(-time.Duration(i) * time.Minute),
		}
	}
	return out
}

func TestTimelineDefaultsAndPaging(t *testing.T) {
	repo := &stubRepo{entries: manyEntries(45)}
	svc := NewService(repo)
	ctx := context.Background()

	result, err := svc.Timeline(ctx, TimelineFilters{})
	if err != nil {
		t.Fatalf("timeline: %v", err)
	}
	if len(result.Rows) != 20 {
		t.Fatalf("expected default page size 20, got %d rows", len(result.Rows))
	}
	if !result.Paging.HasNext || result.Paging.NextPage != 2 {
		t.Fatalf("expected a next page, got %+v", result.Paging)
	}
	if repo.lastLimit != 21 {
		t.Fatalf("expected probe row beyond page size, limit %d", repo.lastLimit)
	}

	result, err = svc.Timeline(ctx, TimelineFilters{Page: 3, PageSize: 20})
	if err != nil {
		t.Fatalf("timeline page 3: %v", err)
	}
	if len(result.Rows) != 5 {
		t.Fatalf("expected 5 rows on the last page, got %d", len(result.Rows))
	}
	if result.Paging.HasNext {
		t.Fatalf("last page must not advertise a next page")
	}
	if result.Paging.PrevPage != 2 {
		t.Fatalf("expected prev page 2, got %d", result.Paging.PrevPage)
	}
	if repo.lastOffset != 40 {
		t.Fatalf("expected offset 40, got %d", repo.lastOffset)
	}
}

func TestTimelineClampsPageSize(t *testing.T) {
	repo := &stubRepo{entries: manyEntries(150)}
	svc := NewService(repo)

	result, err := svc.Timeline(context.Background(), TimelineFilters{PageSize: 500})
	if err != nil {
		t.Fatalf("timeline: %v", err)
	}
	if len(result.Rows) != 100 {
		t.Fatalf("expected clamp to 100, got %d", len(result.Rows))
	}
	if result.Paging.PageSize != 100 {
		t.Fatalf("paging metadata should reflect the clamp, got %d", result.Paging.PageSize)
	}
}

func TestTimelineForwardsFilters(t *testing.T) {
	repo := &stubRepo{}
	svc := NewService(repo)

	from := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	_, err := svc.Timeline(context.Background(), TimelineFilters{UserID: 7, TenantID: 1, Type: "role_assigned", From: from})
	if err != nil {
		t.Fatalf("timeline: %v", err)
	}
	if repo.lastFilter.UserID != 7 || repo.lastFilter.TenantID != 1 {
		t.Fatalf("filters not forwarded: %+v", repo.lastFilter)
	}
	if repo.lastFilter.Type != "role_assigned" || !repo.lastFilter.From.Equal(from) {
		t.Fatalf("filters not forwarded: %+v", repo.lastFilter)
	}
}
