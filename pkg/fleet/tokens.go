// Copyright 2025 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package fleet

import (
	"errors"
	"sync"
)

// TokenPool rotates over a fixed, ordered set of API credentials in strict
// round-robin order. Safe for concurrent use.
type TokenPool struct {
	mtx    sync.Mutex
	tokens []string
	next   int
}

func NewTokenPool(tokens []string) (*TokenPool, error) {
	if len(tokens) == 0 {
		return nil, errors.New("token pool requires at least one credential")
	}
	cp := make([]string, len(tokens))
	copy(cp, tokens)
	return &TokenPool{tokens: cp}, nil
}

// Next returns the next credential in rotation. Any N consecutive calls over
// a pool of size N return each token exactly once.
func (p *TokenPool) Next() string {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	t := p.tokens[p.next]
	p.next = (p.next + 1) % len(p.tokens)
	return t
}

// Size returns the number of credentials in the pool.
func (p *TokenPool) Size() int {
	return len(p.tokens)
}
