// Package roomlink validates room ids, builds shareable room links and
// extracts room ids back out of whatever a user pastes.
package roomlink

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"net/url"
	"regexp"
	"strings"
)

// QueryParam is the link query parameter that carries the room id.
const QueryParam = "room"

// GeneratedWords is the number of words in a generated room id.
const GeneratedWords = 4

var idPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,63}$`)

var (
	ErrEmpty     = errors.New("room id cannot be empty")
	ErrInvalidID = errors.New("room id is malformed")
	ErrNoRoom    = errors.New("link carries no room id")
)

// ValidateID reports whether id is a well-formed room id.
func ValidateID(id string) error {
	if id == "" {
		return ErrEmpty
	}
	if !idPattern.MatchString(id) {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return nil
}

// Build returns the shareable link for a room on domain. The domain may
// include a scheme; https is assumed otherwise.
func Build(domain, roomID string) string {
	base := domain
	if !strings.Contains(base, "://") {
		base = "https://" + base
	}
	u, err := url.Parse(base)
	if err != nil {
		return fmt.Sprintf("https://%s/?%s=%s", domain, QueryParam, url.QueryEscape(roomID))
	}
	if u.Path == "" {
		u.Path = "/"
	}
	q := u.Query()
	q.Set(QueryParam, roomID)
	u.RawQuery = q.Encode()
	return u.String()
}

// Parse accepts a raw room id, a link carrying ?room=<id>, or a legacy
// /r/<id> link, and returns the validated room id.
func Parse(input string) (string, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return "", ErrEmpty
	}

	if !strings.Contains(input, "://") && !strings.Contains(input, "/") && !strings.Contains(input, "?") {
		if err := ValidateID(input); err != nil {
			return "", err
		}
		return input, nil
	}

	id, err := fromURL(input)
	if err != nil {
		return "", err
	}
	if err := ValidateID(id); err != nil {
		return "", err
	}
	return id, nil
}

func fromURL(raw string) (string, error) {
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse link: %w", err)
	}

	if id := u.Query().Get(QueryParam); id != "" {
		return id, nil
	}

	parts := strings.Split(strings.TrimSuffix(u.Path, "/"), "/")
	for i, part := range parts {
		if part == "r" && i+1 < len(parts) && parts[i+1] != "" {
			return parts[i+1], nil
		}
	}

	return "", fmt.Errorf("%w: %s", ErrNoRoom, raw)
}

// Generate creates a random, memorable room id such as
// "sleepy-otter-ramen-lantern". Words come from distinct pools. taken may be
// nil; otherwise ids it reports as in use are skipped.
func Generate(taken func(string) bool) (string, error) {
	for attempt := 0; attempt < 64; attempt++ {
		order, err := permutation(len(wordPools))
		if err != nil {
			return "", err
		}

		words := make([]string, GeneratedWords)
		for i := range words {
			pool := wordPools[order[i]]
			n, err := randomIndex(len(pool))
			if err != nil {
				return "", err
			}
			words[i] = pool[n]
		}

		id := strings.Join(words, "-")
		if taken == nil || !taken(id) {
			return id, nil
		}
	}
	return "", errors.New("could not find a free room id")
}

// permutation is a Fisher-Yates shuffle of 0..n-1 driven by crypto/rand.
func permutation(n int) ([]int, error) {
	p := make([]int, n)
	for i := range p {
		p[i] = i
	}
	for i := n - 1; i > 0; i-- {
		j, err := randomIndex(i + 1)
		if err != nil {
			return nil, err
		}
		p[i], p[j] = p[j], p[i]
	}
	return p, nil
}

// randomIndex returns a cryptographically secure random index below max.
func randomIndex(max int) (int, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(max)))
	if err != nil {
		return 0, fmt.Errorf("random index: %w", err)
	}
	return int(n.Int64()), nil
}
