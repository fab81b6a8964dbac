package docstore

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// CollectionRef names a collection by its full slash-separated path,
// e.g. "gigs" or "gigs/{id}/messages".
type CollectionRef struct {
	path string
}

func Collection(path string) CollectionRef {
	return CollectionRef{path: strings.Trim(path, "/")}
}

func (c CollectionRef) Path() string { return c.path }

func (c CollectionRef) Doc(id string) DocRef {
	return DocRef{Collection: c.path, ID: id}
}

// NewDoc returns a reference with a freshly generated id.
func (c CollectionRef) NewDoc() DocRef {
	return c.Doc(uuid.NewString())
}

func (c CollectionRef) Query() Query {
	return Query{Collection: c}
}

func (c CollectionRef) validate() error {
	if c.path == "" {
		return fmt.Errorf("collection path required")
	}
	segs := strings.Split(c.path, "/")
	if len(segs)%2 != 1 {
		return fmt.Errorf("invalid collection path %q", c.path)
	}
	for _, s := range segs {
		if s == "" {
			return fmt.Errorf("invalid collection path %q", c.path)
		}
	}
	return nil
}

type DocRef struct {
	Collection string
	ID         string
}

// Doc parses a full document path such as "gigs/abc/assignments/u1".
func Doc(path string) (DocRef, error) {
	path = strings.Trim(path, "/")
	idx := strings.LastIndex(path, "/")
	if idx <= 0 {
		return DocRef{}, fmt.Errorf("invalid document path %q", path)
	}
	ref := DocRef{Collection: path[:idx], ID: path[idx+1:]}
	if err := ref.validate(); err != nil {
		return DocRef{}, err
	}
	return ref, nil
}

func (d DocRef) Path() string { return d.Collection + "/" + d.ID }

func (d DocRef) String() string { return d.Path() }

// Sub returns a subcollection nested under this document.
func (d DocRef) Sub(name string) CollectionRef {
	return Collection(d.Path() + "/" + name)
}

func (d DocRef) validate() error {
	if err := Collection(d.Collection).validate(); err != nil {
		return err
	}
	if d.ID == "" || strings.Contains(d.ID, "/") {
		return fmt.Errorf("invalid document id %q", d.ID)
	}
	return nil
}
