package registry

import (
	"context"
	"errors"
	"testing"

	"github.com/stratabase/strata/internal/domain"
)

type fakeVersionStore struct {
	fn       *domain.FunctionDefinition
	versions map[string]*domain.FunctionVersion // content_hash -> version
	active   string
}

func newFakeVersionStore(name string) *fakeVersionStore {
	return &fakeVersionStore{
		fn:       &domain.FunctionDefinition{ID: domain.NewID(), Name: name},
		versions: make(map[string]*domain.FunctionVersion),
	}
}

func (f *fakeVersionStore) GetFunction(_ context.Context, name string) (*domain.FunctionDefinition, error) {
	if f.fn == nil || f.fn.Name != name {
		return nil, domain.ErrNotFound
	}
	return f.fn, nil
}

func (f *fakeVersionStore) PublishVersion(_ context.Context, v *domain.FunctionVersion) (*domain.FunctionVersion, bool, error) {
	if prev, ok := f.versions[v.ContentHash]; ok {
		f.active = prev.ID
		prev.IsActive = true
		return prev, true, nil
	}
	v.IsActive = true
	f.versions[v.ContentHash] = v
	f.active = v.ID
	return v, false, nil
}

func (f *fakeVersionStore) ActivateVersion(_ context.Context, _, versionID string) error {
	for _, v := range f.versions {
		if v.ID == versionID {
			f.active = versionID
			return nil
		}
	}
	return domain.ErrNotFound
}

func (f *fakeVersionStore) GetActiveVersion(_ context.Context, _ string) (*domain.FunctionVersion, error) {
	for _, v := range f.versions {
		if v.ID == f.active {
			return v, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (f *fakeVersionStore) GetVersion(_ context.Context, id string) (*domain.FunctionVersion, error) {
	for _, v := range f.versions {
		if v.ID == id {
			return v, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (f *fakeVersionStore) ListVersions(_ context.Context, _ string) ([]*domain.FunctionVersion, error) {
	var out []*domain.FunctionVersion
	for _, v := range f.versions {
		out = append(out, v)
	}
	return out, nil
}

func TestPutVersionCollapsesIdenticalSource(t *testing.T) {
	reg := New(newFakeVersionStore("greet"))
	ctx := context.Background()

	first, err := reg.PutVersion(ctx, "greet", "def main(i):\n    return i\n", "", "alice")
	if err != nil {
		t.Fatal(err)
	}
	// Same content modulo line endings and trailing whitespace.
	second, err := reg.PutVersion(ctx, "greet", "def main(i):  \r\n    return i\r\n", "", "bob")
	if err != nil {
		t.Fatal(err)
	}
	if first.ID != second.ID {
		t.Fatalf("identical source must collapse: %s vs %s", first.ID, second.ID)
	}
	if second.DeployedBy != "alice" {
		t.Fatalf("collapse must keep original deploy metadata, got %s", second.DeployedBy)
	}
}

func TestPutVersionNewContentActivates(t *testing.T) {
	store := newFakeVersionStore("greet")
	reg := New(store)
	ctx := context.Background()

	v1, _ := reg.PutVersion(ctx, "greet", "a = 1\n", "", "alice")
	v2, err := reg.PutVersion(ctx, "greet", "a = 2\n", "", "alice")
	if err != nil {
		t.Fatal(err)
	}
	if v1.ID == v2.ID {
		t.Fatal("distinct content must create a new version")
	}
	active, err := reg.ActiveVersion(ctx, "greet")
	if err != nil {
		t.Fatal(err)
	}
	if active.ID != v2.ID {
		t.Fatalf("latest deploy must be active, got %s", active.ID)
	}
}

func TestPutVersionUnknownFunction(t *testing.T) {
	reg := New(newFakeVersionStore("greet"))
	if _, err := reg.PutVersion(context.Background(), "missing", "x\n", "", "a"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestPutVersionBadDepsBlock(t *testing.T) {
	reg := New(newFakeVersionStore("greet"))
	source := "# /// script\n# dependencies = [ oops ]\n# ///\n"
	if _, err := reg.PutVersion(context.Background(), "greet", source, "", "a"); !errors.Is(err, domain.ErrBadSource) {
		t.Fatalf("want ErrBadSource, got %v", err)
	}
}

func TestPutVersionExtractsDeps(t *testing.T) {
	reg := New(newFakeVersionStore("greet"))
	source := "# /// script\n# dependencies = [ \"requests\" ]\n# ///\ndef main(i):\n    return i\n"
	v, err := reg.PutVersion(context.Background(), "greet", source, "", "a")
	if err != nil {
		t.Fatal(err)
	}
	if len(v.InlineDeps) != 1 || v.InlineDeps[0] != "requests" {
		t.Fatalf("deps not extracted: %v", v.InlineDeps)
	}
}
