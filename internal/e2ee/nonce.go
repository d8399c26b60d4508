package e2ee

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"sync"

	lru "github.com/hashicorp/golang-lru"

	"github.com/fathima-sithara/securechat/internal/domain"
)

const (
	defaultNonceWindow = 4096
	maxNonceAttempts   = 8
)

var ErrNonceExhausted = errors.New("could not draw a fresh nonce")

type Nonce [domain.NonceSize]byte

// NonceGuard hands out random nonces and refuses to repeat any nonce still in
// its window of recently issued values.
type NonceGuard struct {
	mu     sync.Mutex
	rand   io.Reader
	issued *lru.Cache
}

func NewNonceGuard(window int, r io.Reader) (*NonceGuard, error) {
	if window <= 0 {
		window = defaultNonceWindow
	}
	if r == nil {
		r = rand.Reader
	}
	c, err := lru.New(window)
	if err != nil {
		return nil, fmt.Errorf("nonce window: %w", err)
	}
	return &NonceGuard{rand: r, issued: c}, nil
}

func (g *NonceGuard) Next() (Nonce, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	for i := 0; i < maxNonceAttempts; i++ {
		var n Nonce
		if _, err := io.ReadFull(g.rand, n[:]); err != nil {
			return Nonce{}, fmt.Errorf("read nonce: %w", err)
		}
		if g.issued.Contains(n) {
			continue
		}
		g.issued.Add(n, struct{}{})
		return n, nil
	}
	return Nonce{}, ErrNonceExhausted
}
