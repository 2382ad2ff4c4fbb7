package origin

import (
	"context"
	"io"
	"net/url"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/zipmailer/internal/bundle"
)

func TestClassify(t *testing.T) {
	t.Parallel()

	c := Default()
	cases := []struct {
		link string
		want bundle.OriginType
	}{
		{"https://www.youtube.com/watch?v=dQw4w9WgXcQ", bundle.OriginVideoHosting},
		{"https://m.youtube.com/watch?v=abc&t=10", bundle.OriginVideoHosting},
		{"https://music.youtube.com/watch?v=abc", bundle.OriginVideoHosting},
		{"https://youtube.com/shorts/xyz", bundle.OriginVideoHosting},
		{"https://youtu.be/abc", bundle.OriginVideoHosting},
		{"https://www.youtube.com/watch", bundle.OriginGeneric},
		{"https://www.youtube.com/channel/foo", bundle.OriginGeneric},
		{"https://youtu.be/", bundle.OriginGeneric},
		{"https://cdn.example.com/a.mp4", bundle.OriginGeneric},
		{"not a url", bundle.OriginGeneric},
		{"://bad", bundle.OriginGeneric},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, c.Classify(tc.link), tc.link)
	}
}

func TestClassifyFirstRuleWins(t *testing.T) {
	t.Parallel()

	custom := bundle.OriginType("custom")
	c := New(
		Rule{Name: "all", Origin: custom, Match: func(*url.URL) bool { return true }},
		Rule{Name: "never", Origin: bundle.OriginVideoHosting, Match: func(*url.URL) bool { return true }},
	)
	require.Equal(t, custom, c.Classify("https://example.com/x"))
}

type nopFetcher struct{ name string }

func (nopFetcher) Fetch(context.Context, string, bundle.Format, io.Writer) (int64, error) {
	return 0, nil
}

func TestStrategiesFallback(t *testing.T) {
	t.Parallel()

	generic := nopFetcher{name: "generic"}
	video := nopFetcher{name: "video"}
	s := Strategies{bundle.OriginGeneric: generic, bundle.OriginVideoHosting: video}

	f, err := s.For(bundle.OriginVideoHosting)
	require.NoError(t, err)
	require.Equal(t, video, f)

	f, err = s.For(bundle.OriginType("podcast"))
	require.NoError(t, err)
	require.Equal(t, generic, f)

	_, err = Strategies{}.For(bundle.OriginGeneric)
	require.ErrorIs(t, err, bundle.ErrUnsupportedOrigin)
}
