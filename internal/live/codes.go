package live

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"live-quiz-service/internal/domain"
	"live-quiz-service/internal/store"
)

const (
	codeLength   = 6
	codeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	codeAttempts = 5
)

type codeGenerator struct {
	mu  sync.Mutex
	rnd *rand.Rand
}

func newCodeGenerator() *codeGenerator {
	return &codeGenerator{rnd: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

func (g *codeGenerator) next() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	buf := make([]byte, codeLength)
	for i := range buf {
		buf[i] = codeAlphabet[g.rnd.Intn(len(codeAlphabet))]
	}
	return string(buf)
}

// allocateCode generates a join code that is unique among sessions still
// accepting joins. Completed sessions may keep their code; only a collision
// with a non-terminal session forces a retry.
func (c *Coordinator) allocateCode(ctx context.Context) (string, error) {
	for attempt := 0; attempt < codeAttempts; attempt++ {
		code := c.codes.next()
		docs, err := c.store.Query(ctx, CollectionSessions, "sessionCode", code)
		if err != nil {
			return "", err
		}
		taken := false
		for _, doc := range docs {
			var session domain.Session
			if err := store.Decode(doc.Fields, &session); err != nil {
				return "", err
			}
			if !session.Phase.Terminal() {
				taken = true
				break
			}
		}
		if !taken {
			return code, nil
		}
	}
	return "", domain.ErrCodeExhausted
}
