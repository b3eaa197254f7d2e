package index

import (
	"path/filepath"
	"testing"

	"github.com/quantarax/dispersa/internal/model"
)

func openTest(t *testing.T) *Index {
	t.Helper()
	dir := t.TempDir()
	idx, err := Open(filepath.Join(dir, "DedupDB"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { idx.Close() })
	return idx
}

func fp(b byte) [32]byte {
	var out [32]byte
	out[0] = b
	return out
}

func TestPutGetRoundTrip(t *testing.T) {
	idx := openTest(t)
	v := model.ShareIndexValue{
		ShareContainerName:   "aaaaaaaaaaaa.sc",
		ShareContainerOffset: 0,
		ShareSize:            4096,
		Users:                []model.UserRef{{UserID: 1, RefCnt: 1}},
	}
	if err := idx.Put(fp(1), v); err != nil {
		t.Fatal(err)
	}
	got, found, err := idx.Get(fp(1))
	if err != nil || !found {
		t.Fatalf("found=%v err=%v", found, err)
	}
	if got.ShareContainerName != v.ShareContainerName || got.NumOfUsers() != 1 {
		t.Fatalf("unexpected value: %+v", got)
	}
}

func TestGetMissingReturnsNotFound(t *testing.T) {
	idx := openTest(t)
	_, found, err := idx.Get(fp(99))
	if err != nil {
		t.Fatal(err)
	}
	if found {
		t.Fatal("expected not found")
	}
}

func TestIncrementRefCountExistingUser(t *testing.T) {
	idx := openTest(t)
	v := model.ShareIndexValue{
		ShareContainerName: "aaaaaaaaaaaa.sc", ShareSize: 100,
		Users: []model.UserRef{{UserID: 7, RefCnt: 1}},
	}
	if err := idx.Put(fp(2), v); err != nil {
		t.Fatal(err)
	}
	if err := idx.IncrementRefCount(fp(2), 7); err != nil {
		t.Fatal(err)
	}
	got, _, err := idx.Get(fp(2))
	if err != nil {
		t.Fatal(err)
	}
	if got.Users[0].RefCnt != 2 {
		t.Fatalf("expected refcnt 2, got %d", got.Users[0].RefCnt)
	}
}

func TestPutOrExtendCreatesWhenAbsent(t *testing.T) {
	idx := openTest(t)
	fresh := model.ShareIndexValue{
		ShareContainerName: "aaaaaaaaaaaa.sc", ShareSize: 50,
		Users: []model.UserRef{{UserID: 3, RefCnt: 1}},
	}
	existed, err := idx.PutOrExtend(fp(5), 3, fresh)
	if err != nil {
		t.Fatal(err)
	}
	if existed {
		t.Fatal("expected fresh entry, not existed")
	}
	got, found, err := idx.Get(fp(5))
	if err != nil || !found {
		t.Fatalf("found=%v err=%v", found, err)
	}
	if len(got.Users) != 1 {
		t.Fatalf("expected 1 user ref, got %d", len(got.Users))
	}
}

func TestPutOrExtendCrossUserDedup(t *testing.T) {
	idx := openTest(t)
	first := model.ShareIndexValue{
		ShareContainerName: "aaaaaaaaaaaa.sc", ShareSize: 50,
		Users: []model.UserRef{{UserID: 1, RefCnt: 1}},
	}
	if _, err := idx.PutOrExtend(fp(9), 1, first); err != nil {
		t.Fatal(err)
	}

	// Second user uploads the same share: PutOrExtend must find the
	// existing entry and append a new user ref rather than overwrite it.
	second := model.ShareIndexValue{
		ShareContainerName: "aaaaaaaaaaaa.sc", ShareSize: 50,
		Users: []model.UserRef{{UserID: 2, RefCnt: 1}},
	}
	existed, err := idx.PutOrExtend(fp(9), 2, second)
	if err != nil {
		t.Fatal(err)
	}
	if !existed {
		t.Fatal("expected existing entry on second user's upload")
	}

	got, found, err := idx.Get(fp(9))
	if err != nil || !found {
		t.Fatalf("found=%v err=%v", found, err)
	}
	if got.NumOfUsers() != 2 {
		t.Fatalf("expected 2 user refs after cross-user dedup, got %d", got.NumOfUsers())
	}
	for _, u := range got.Users {
		if u.RefCnt != 1 {
			t.Fatalf("expected each user's refcnt == 1, got %d for user %d", u.RefCnt, u.UserID)
		}
	}
}

func TestHasUser(t *testing.T) {
	idx := openTest(t)
	v := model.ShareIndexValue{
		ShareContainerName: "aaaaaaaaaaaa.sc", ShareSize: 10,
		Users: []model.UserRef{{UserID: 42, RefCnt: 1}},
	}
	if err := idx.Put(fp(11), v); err != nil {
		t.Fatal(err)
	}
	exists, hasUser, err := idx.HasUser(fp(11), 42)
	if err != nil || !exists || !hasUser {
		t.Fatalf("exists=%v hasUser=%v err=%v", exists, hasUser, err)
	}
	exists, hasUser, err = idx.HasUser(fp(11), 43)
	if err != nil || !exists || hasUser {
		t.Fatalf("expected exists=true hasUser=false, got exists=%v hasUser=%v err=%v", exists, hasUser, err)
	}
}
