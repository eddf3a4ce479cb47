package provider

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pagedProvider serves fixed pages keyed by continuation token.
type pagedProvider struct {
	pages map[string]*ListResult
	calls []ListOptions
}

func (p *pagedProvider) List(_ context.Context, opts ListOptions) (*ListResult, error) {
	p.calls = append(p.calls, opts)
	res, ok := p.pages[opts.ContinuationToken]
	if !ok {
		return nil, &ProviderError{Op: "List", Provider: ProviderSFTP, Err: ErrProviderUnavailable}
	}
	return res, nil
}

func (p *pagedProvider) Head(context.Context, string) (*ObjectMeta, error) { return nil, ErrNotFound }
func (p *pagedProvider) Close() error                                     { return nil }

func TestWalk_FollowsTokens(t *testing.T) {
	p := &pagedProvider{pages: map[string]*ListResult{
		"":   {Objects: []ObjectSummary{{Key: "lta/a.csv"}}, IsTruncated: true, ContinuationToken: "t1"},
		"t1": {Objects: []ObjectSummary{{Key: "lta/b.csv"}, {Key: "lta/c.csv"}}},
	}}

	var keys []string
	err := Walk(context.Background(), p, "lta/", func(o ObjectSummary) error {
		keys = append(keys, o.Key)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"lta/a.csv", "lta/b.csv", "lta/c.csv"}, keys)
	require.Len(t, p.calls, 2)
	assert.Equal(t, "lta/", p.calls[1].Prefix)
	assert.Equal(t, "t1", p.calls[1].ContinuationToken)
}

func TestWalk_StopsOnCallbackError(t *testing.T) {
	p := &pagedProvider{pages: map[string]*ListResult{
		"": {Objects: []ObjectSummary{{Key: "a"}, {Key: "b"}}, IsTruncated: true, ContinuationToken: "t1"},
	}}
	stop := errors.New("stop")

	n := 0
	err := Walk(context.Background(), p, "", func(ObjectSummary) error {
		n++
		return stop
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 1, n)
	assert.Len(t, p.calls, 1)
}

func TestWalk_ListError(t *testing.T) {
	p := &pagedProvider{pages: map[string]*ListResult{
		"": {IsTruncated: true, ContinuationToken: "missing"},
	}}
	err := Walk(context.Background(), p, "", func(ObjectSummary) error { return nil })
	assert.True(t, IsTransient(err))
}

func TestWalk_TruncatedWithoutToken(t *testing.T) {
	p := &pagedProvider{pages: map[string]*ListResult{
		"": {Objects: []ObjectSummary{{Key: "a"}}, IsTruncated: true},
	}}
	require.NoError(t, Walk(context.Background(), p, "", func(ObjectSummary) error { return nil }))
	assert.Len(t, p.calls, 1)
}
