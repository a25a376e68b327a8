package shmlog

import "testing"

func Test_New_Accepts_Every_Valid_Level(t *testing.T) {
	t.Parallel()

	for _, level := range []string{"debug", "info", "warn", "error"} {
		if _, err := New(level); err != nil {
			t.Errorf("New(%q): %v", level, err)
		}
	}
}

func Test_New_Falls_Back_To_Info_On_Unknown_Level(t *testing.T) {
	t.Parallel()

	log, err := New("not-a-real-level")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if log == nil {
		t.Fatal("New returned a nil logger")
	}
}
