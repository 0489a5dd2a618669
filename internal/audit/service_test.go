package audit

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type stubRepo struct {
	rows       []TimelineRow
	err        error
	lastFilter TimelineFilters
	lastLimit  int
	lastOffset int
}

func (s *stubRepo) Window(_ context.Context, filters TimelineFilters, limit, offset int) ([]TimelineRow, error) {
	s.lastFilter, s.lastLimit, s.lastOffset = filters, limit, offset
	if s.err != nil {
		return nil, s.err
	}
	if limit > 0 && len(s.rows) > limit {
		return s.rows[:limit], nil
	}
	return s.rows, nil
}

func rows(n int) []TimelineRow {
	out := make([]TimelineRow, n)
	base := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)
	for i := range out {
		out[i] = TimelineRow{At: base.Add(-time.Duration(i) * time.Hour), Action: "POST", Entity: "goods_receipt", EntityID: fmt.Sprint(i + 1)}
	}
	return out
}

func TestTimelinePaging(t *testing.T) {
	repo := &stubRepo{rows: rows(3)}
	svc := NewService(repo)

	result, err := svc.Timeline(context.Background(), TimelineFilters{Page: 1, PageSize: 2, Entity: " goods_receipt "})
	require.NoError(t, err)
	require.Len(t, result.Rows, 2)
	require.True(t, result.Paging.HasNext)
	require.Equal(t, 2, result.Paging.NextPage)
	require.Zero(t, result.Paging.PrevPage)
	require.Equal(t, 3, repo.lastLimit)
	require.Equal(t, 0, repo.lastOffset)
	require.Equal(t, "goods_receipt", repo.lastFilter.Entity)

	_, err = svc.Timeline(context.Background(), TimelineFilters{Page: 3, PageSize: 500})
	require.NoError(t, err)
	require.Equal(t, maxPageSize+1, repo.lastLimit)
	require.Equal(t, 2*maxPageSize, repo.lastOffset)
}

func TestTimelineDefaultsAndEmpty(t *testing.T) {
	repo := &stubRepo{}
	result, err := NewService(repo).Timeline(context.Background(), TimelineFilters{})
	require.NoError(t, err)
	require.NotNil(t, result.Rows)
	require.Empty(t, result.Rows)
	require.Equal(t, 1, result.Paging.Page)
	require.Equal(t, defaultPageSize, result.Paging.PageSize)
	require.False(t, result.Paging.HasNext)
}

func TestExportReturnsAllRows(t *testing.T) {
	repo := &stubRepo{rows: rows(75)}
	out, err := NewService(repo).Export(context.Background(), TimelineFilters{Action: "POST"})
	require.NoError(t, err)
	require.Len(t, out, 75)
	require.Zero(t, repo.lastLimit)
}

func TestRepositoryErrorsPropagate(t *testing.T) {
	boom := errors.New("boom")
	_, err := NewService(&stubRepo{err: boom}).Timeline(context.Background(), TimelineFilters{})
	require.ErrorIs(t, err, boom)

	_, err = NewService(nil).Export(context.Background(), TimelineFilters{})
	require.Error(t, err)
}
