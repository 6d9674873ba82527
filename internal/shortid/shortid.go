// Package shortid mints the public tokens for uploads and runs.
//
// Each kind gets its own hashids alphabet (salted with the secret and the
// kind label) and every token also carries a tag derived from the kind, so a
// token minted for one kind never decodes as another.
package shortid

import (
	"errors"
	"fmt"
	"hash/crc32"
	"sync"

	"github.com/speps/go-hashids/v2"

	"reproserver/internal/domain"
)

const (
	KindUpload = "upload"
	KindRun    = "run"
)

const minLength = 6

var ErrNoSalt = errors.New("shortid: salt is not configured")

type Codec struct {
	salt string

	mu    sync.Mutex
	kinds map[string]*hashids.HashID
}

// New returns a codec for salt. An empty salt is refused.
func New(salt string) (*Codec, error) {
	if salt == "" {
		return nil, ErrNoSalt
	}
	return &Codec{salt: salt, kinds: map[string]*hashids.HashID{}}, nil
}

func (c *Codec) forKind(kind string) (*hashids.HashID, error) {
	if c == nil || c.salt == "" {
		return nil, ErrNoSalt
	}
	if kind == "" {
		return nil, fmt.Errorf("shortid: empty kind")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if h, ok := c.kinds[kind]; ok {
		return h, nil
	}
	data := hashids.NewData()
	data.Salt = c.salt + "|" + kind
	data.MinLength = minLength
	h, err := hashids.NewWithData(data)
	if err != nil {
		return nil, err
	}
	c.kinds[kind] = h
	return h, nil
}

func tag(kind string) int64 {
	return int64(crc32.ChecksumIEEE([]byte(kind)))
}

// Encode returns the token for id under kind.
func (c *Codec) Encode(kind string, id int64) (string, error) {
	if id < 0 {
		return "", fmt.Errorf("shortid: negative id %d", id)
	}
	h, err := c.forKind(kind)
	if err != nil {
		return "", err
	}
	return h.EncodeInt64([]int64{tag(kind), id})
}

// Decode recovers the id from token. Any token not minted by Encode for the
// same kind and salt yields domain.ErrInvalidToken.
func (c *Codec) Decode(kind, token string) (int64, error) {
	h, err := c.forKind(kind)
	if err != nil {
		return 0, err
	}
	if token == "" {
		return 0, domain.ErrInvalidToken
	}
	nums, err := h.DecodeInt64WithError(token)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", domain.ErrInvalidToken, err)
	}
	if len(nums) != 2 || nums[0] != tag(kind) {
		return 0, domain.ErrInvalidToken
	}
	return nums[1], nil
}
