package docstore_test

import (
	"testing"

	"gigline/internal/docstore"
	"gigline/internal/docstore/docstoretest"
)

func TestMemoryBackend(t *testing.T) {
	docstoretest.Run(t, func(t *testing.T) docstore.Backend {
		return docstore.NewMemoryBackend()
	})
}
