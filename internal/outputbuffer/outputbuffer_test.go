package outputbuffer

import "testing"

func TestAppendAssignsMonotonicIndex(t *testing.T) {
	b := New("session-1", 10)
	i0 := b.Append(Entry{Kind: KindStdio, Stream: "stdout", Text: "hello"})
	i1 := b.Append(Entry{Kind: KindStdio, Stream: "stdout", Text: "world"})
	if i0 != 0 || i1 != 1 {
		t.Fatalf("got indices %d, %d; want 0, 1", i0, i1)
	}
}

func TestAppendEvictsOldestOverCapacity(t *testing.T) {
	b := New("session-1", 3)
	for i := 0; i < 5; i++ {
		b.Append(Entry{Kind: KindConsole, Level: "log", Text: "x"})
	}
	if b.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", b.Len())
	}
	if b.DroppedTotal() != 2 {
		t.Fatalf("DroppedTotal() = %d, want 2", b.DroppedTotal())
	}
	all := b.All()
	if all[0].Index != 2 {
		t.Fatalf("oldest retained entry Index = %d, want 2", all[0].Index)
	}
}

func TestAfterReturnsOnlyNewerEntries(t *testing.T) {
	b := New("session-1", 10)
	b.Append(Entry{Kind: KindStdio, Text: "a"})
	cursor := b.Append(Entry{Kind: KindStdio, Text: "b"})
	b.Append(Entry{Kind: KindStdio, Text: "c"})

	got := b.After(cursor)
	if len(got) != 1 || got[0].Text != "c" {
		t.Fatalf("After(%d) = %+v, want single entry %q", cursor, got, "c")
	}
}

func TestFilterByKindAndSubstring(t *testing.T) {
	entries := []Entry{
		{Kind: KindStdio, Text: "plain output"},
		{Kind: KindConsole, Level: "error", Text: "boom"},
		{Kind: KindConsole, Level: "log", Text: "fine"},
		{Kind: KindException, Text: "uncaught boom"},
	}

	consoleErrors := Filter(entries, KindConsole, nil)
	if len(consoleErrors) != 2 {
		t.Fatalf("Filter(console) returned %d entries, want 2", len(consoleErrors))
	}

	containsBoom := func(s string) bool { return len(s) >= 4 && (s == "boom" || s == "uncaught boom") }
	matched := Filter(entries, "", containsBoom)
	if len(matched) != 2 {
		t.Fatalf("Filter(substring boom) returned %d entries, want 2", len(matched))
	}
}

func TestNewDefaultsCapacity(t *testing.T) {
	b := New("session-1", 0)
	for i := 0; i < DefaultCapacity+10; i++ {
		b.Append(Entry{Kind: KindStdio, Text: "x"})
	}
	if b.Len() != DefaultCapacity {
		t.Fatalf("Len() = %d, want DefaultCapacity %d", b.Len(), DefaultCapacity)
	}
}
