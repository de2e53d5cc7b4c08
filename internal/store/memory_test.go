package store_test

import (
	"testing"

	"github.com/hengadev/medabe/internal/store"
	"github.com/hengadev/medabe/internal/store/storetest"
)

func TestMemory(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store { return store.NewMemory() })
}
