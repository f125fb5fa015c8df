package main

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
)

func waitLoaded(b *DataStoreBridge) bool {
	for i := 0; i < 100; i++ {
		b.mu.Lock()
		loaded := b.loaded
		b.mu.Unlock()
		if loaded {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return false
}

func TestDataStoreBridge(t *testing.T) {
	Convey("Given a bridge over the in-memory store", t, func() {
		mgr := NewDataStoreManager(NewMemoryStore(), time.Hour, testLogger())
		b := mgr.Bridge("bp1")

		Convey("set followed by get returns the value before any flush", func() {
			So(b.Set("wallet", "a1", 150.0), ShouldBeNil)
			v, ok := b.Get("wallet", "a1")
			So(ok, ShouldBeTrue)
			So(v, ShouldEqual, 150.0)
		})

		Convey("remove tombstones the key", func() {
			So(b.Set("wallet", "a1", 150.0), ShouldBeNil)
			b.Remove("wallet", "a1")
			_, ok := b.Get("wallet", "a1")
			So(ok, ShouldBeFalse)
		})

		Convey("values must be JSON documents under the size cap", func() {
			So(errors.Is(b.Set("big", "k", strings.Repeat("x", maxValueBytes)), ErrInvalidInput), ShouldBeTrue)
			So(b.Set("fn", "k", map[string]any{"nested": []any{1.0, "two", true}}), ShouldBeNil)
		})

		Convey("flushed values survive into a fresh bridge", func() {
			So(b.Set("wallet", "a1", 150.0), ShouldBeNil)
			mgr.Release(b) // flush on destroy

			b2 := mgr.Bridge("bp1")
			So(waitLoaded(b2), ShouldBeTrue)
			v, ok := b2.Get("wallet", "a1")
			So(ok, ShouldBeTrue)
			So(v, ShouldEqual, 150.0)
		})

		Convey("stores are namespaced per blueprint", func() {
			So(b.Set("wallet", "a1", 1.0), ShouldBeNil)
			mgr.Release(b)
			other := mgr.Bridge("bp2")
			So(waitLoaded(other), ShouldBeTrue)
			_, ok := other.Get("wallet", "a1")
			So(ok, ShouldBeFalse)
		})
	})
}

func TestCoalesce(t *testing.T) {
	Convey("Coalescing keeps only the last write per key", t, func() {
		recs := []writeRecord{
			{Blueprint: "b", Store: "s", Key: "k", Value: []byte(`1`)},
			{Blueprint: "b", Store: "s", Key: "k", Value: []byte(`2`)},
			{Blueprint: "b", Store: "s", Key: "other", Value: []byte(`9`)},
			{Blueprint: "b", Store: "s", Key: "k", Value: []byte(`3`)},
		}
		out := coalesce(recs)
		So(len(out), ShouldEqual, 2)
		var kVal string
		for _, r := range out {
			if r.Key == "k" {
				kVal = string(r.Value)
			}
		}
		So(kVal, ShouldEqual, "3")
	})
}

func TestFlusherDrainsAllBridges(t *testing.T) {
	Convey("Given two bridges with queued writes", t, func() {
		store := NewMemoryStore()
		mgr := NewDataStoreManager(store, time.Hour, testLogger())
		b1 := mgr.Bridge("bp1")
		b2 := mgr.Bridge("bp2")
		So(b1.Set("s", "k", "one"), ShouldBeNil)
		So(b2.Set("s", "k", "two"), ShouldBeNil)

		Convey("one flush pass persists both", func() {
			mgr.flushAll(context.Background())
			got1, _ := store.LoadAll(context.Background(), "bp1")
			got2, _ := store.LoadAll(context.Background(), "bp2")
			So(string(got1[storeKey{"s", "k"}]), ShouldEqual, `"one"`)
			So(string(got2[storeKey{"s", "k"}]), ShouldEqual, `"two"`)
		})
	})
}
