package m3u8

import (
	"errors"
	"fmt"
	"io"
	"net/url"

	"github.com/grafov/m3u8"
)

type PlaylistType int

const (
	Master PlaylistType = iota
	Variant
	Unknown
)

// ErrNoVariants is returned for a master playlist without a usable variant.
var ErrNoVariants = errors.New("master playlist has no variants")

// Plan lists the absolute URLs a media playlist needs for offline playback.
type Plan struct {
	Segments []string
	// Keys holds each distinct key URI once, in first-seen order
	Keys []string
}

// Parse checks the content and returns the type and parsed object
func Parse(content io.Reader) (m3u8.Playlist, PlaylistType, error) {
	p, listType, err := m3u8.DecodeFrom(content, true)
	if err != nil {
		return nil, Unknown, err
	}

	switch listType {
	case m3u8.MASTER:
		return p, Master, nil
	case m3u8.MEDIA:
		return p, Variant, nil
	default:
		return nil, Unknown, fmt.Errorf("unknown playlist type")
	}
}

// ResolveURL resolves a relative reference against a base URL
func ResolveURL(base *url.URL, ref string) string {
	refURL, err := url.Parse(ref)
	if err != nil {
		return ref // fallback
	}
	return base.ResolveReference(refURL).String()
}

// BestVariant picks the highest-bandwidth variant of a master playlist.
func BestVariant(p *m3u8.MasterPlaylist) (*m3u8.Variant, error) {
	var best *m3u8.Variant
	for _, v := range p.Variants {
		if v == nil || v.URI == "" {
			continue
		}
		if best == nil || v.Bandwidth > best.Bandwidth {
			best = v
		}
	}
	if best == nil {
		return nil, ErrNoVariants
	}
	return best, nil
}

// SegmentPlan resolves every segment and key URI of a media playlist against base.
func SegmentPlan(p *m3u8.MediaPlaylist, base *url.URL) Plan {
	plan := Plan{}
	seenKeys := make(map[string]bool)

	addKey := func(k *m3u8.Key) {
		if k == nil || k.URI == "" {
			return
		}
		full := ResolveURL(base, k.URI)
		if !seenKeys[full] {
			seenKeys[full] = true
			plan.Keys = append(plan.Keys, full)
		}
	}

	addKey(p.Key)
	for _, seg := range p.Segments {
		if seg == nil {
			continue
		}
		addKey(seg.Key)
		if seg.URI != "" {
			plan.Segments = append(plan.Segments, ResolveURL(base, seg.URI))
		}
	}
	return plan
}

// WrapURL returns the proxy URL that fetches target.
// proxyEndpoint: http://localhost:PORT/proxy
func WrapURL(proxyEndpoint, target string) string {
	return proxyEndpoint + "?url=" + url.QueryEscape(target)
}

// RewriteForProxy points every URI of a playlist at the proxy endpoint so a
// player fetches variants, segments and keys through it.
func RewriteForProxy(p m3u8.Playlist, proxyEndpoint string, base *url.URL) (string, error) {
	wrap := func(ref string) string {
		if ref == "" {
			return ref
		}
		return WrapURL(proxyEndpoint, ResolveURL(base, ref))
	}

	switch pl := p.(type) {
	case *m3u8.MasterPlaylist:
		// Renditions are shared between the variants of a group
		rewritten := make(map[*m3u8.Alternative]bool)
		for _, v := range pl.Variants {
			if v == nil {
				continue
			}
			v.URI = wrap(v.URI)
			for _, alt := range v.Alternatives {
				if alt != nil && !rewritten[alt] {
					rewritten[alt] = true
					alt.URI = wrap(alt.URI)
				}
			}
		}
		return pl.String(), nil
	case *m3u8.MediaPlaylist:
		// The playlist-level key may share its pointer with the first segment's
		rewritten := make(map[*m3u8.Key]bool)
		wrapKey := func(k *m3u8.Key) {
			if k == nil || rewritten[k] {
				return
			}
			rewritten[k] = true
			k.URI = wrap(k.URI)
		}

		wrapKey(pl.Key)
		for _, seg := range pl.Segments {
			if seg == nil {
				continue
			}
			seg.URI = wrap(seg.URI)
			wrapKey(seg.Key)
		}
		return pl.String(), nil
	default:
		return "", fmt.Errorf("unsupported playlist %T", p)
	}
}
