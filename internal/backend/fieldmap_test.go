package backend

import "testing"

func TestFieldMap_ResolveKnownUserField(t *testing.T) {
	m := DefaultFieldMap()
	storage, ok := m.Resolve("source_ip")
	if !ok {
		t.Fatal("expected source_ip to resolve")
	}
	if len(storage) == 0 || storage[0] != "source.ip" {
		t.Errorf("expected source.ip as primary mapping, got %v", storage)
	}
}

func TestFieldMap_ResolveAlreadyDottedStorageField(t *testing.T) {
	m := DefaultFieldMap()
	storage, ok := m.Resolve("destination.ip")
	if !ok {
		t.Fatal("expected a dotted storage field to resolve verbatim")
	}
	if storage[0] != "destination.ip" {
		t.Errorf("expected destination.ip, got %v", storage)
	}
}

func TestFieldMap_UnknownFieldRejected(t *testing.T) {
	m := DefaultFieldMap()
	if _, ok := m.Resolve("not_a_real_field"); ok {
		t.Fatal("expected unknown field to fail resolution")
	}
}

func TestBuildQueryClause_NoFiltersIsMatchAll(t *testing.T) {
	q := Query{}
	clause := buildQueryClause(q)
	if _, ok := clause["match_all"]; !ok {
		t.Errorf("expected match_all clause for an empty query, got %v", clause)
	}
}

func TestBuildSearchBody_CursorModeSetsSearchAfter(t *testing.T) {
	q := Query{SearchAfter: []any{"2024-01-01", "doc1"}, Size: 50}
	body := buildSearchBody(q)
	if _, ok := body["search_after"]; !ok {
		t.Error("expected search_after to be set in cursor mode")
	}
	if _, ok := body["from"]; ok {
		t.Error("expected from to be absent in cursor mode")
	}
}

func TestBuildSearchBody_OffsetModeSetsFromAndSize(t *testing.T) {
	q := Query{From: 20, Size: 10}
	body := buildSearchBody(q)
	if body["from"] != 20 {
		t.Errorf("expected from=20, got %v", body["from"])
	}
	if _, ok := body["search_after"]; ok {
		t.Error("expected search_after to be absent in offset mode")
	}
}
