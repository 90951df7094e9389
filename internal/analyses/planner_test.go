package analyses

import (
	"reflect"
	"testing"

	"t3rms-backend/internal/extract"
)

type fixedCounter struct {
	pages     int
	estimated bool
}

func (c fixedCounter) CountPages([]byte) (int, bool) { return c.pages, c.estimated }

func TestPlanPageRanges(t *testing.T) {
	tests := []struct {
		name   string
		pages  int
		max    int
		ranges [][2]int
	}{
		{name: "single page", pages: 1, max: 40, ranges: [][2]int{{1, 1}}},
		{name: "exact boundary is one chunk", pages: 40, max: 40, ranges: [][2]int{{1, 40}}},
		{name: "one over boundary", pages: 41, max: 40, ranges: [][2]int{{1, 40}, {41, 41}}},
		{name: "hundred pages", pages: 100, max: 40, ranges: [][2]int{{1, 40}, {41, 80}, {81, 100}}},
		{name: "exact multiple", pages: 80, max: 40, ranges: [][2]int{{1, 40}, {41, 80}}},
		{name: "zero pages treated as one", pages: 0, max: 40, ranges: [][2]int{{1, 1}}},
		{name: "default max", pages: 41, max: 0, ranges: [][2]int{{1, 40}, {41, 41}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chunks := PlanPageRanges(tt.pages, tt.max)
			var got [][2]int
			for i, c := range chunks {
				if c.Index != i {
					t.Fatalf("chunk %d has index %d", i, c.Index)
				}
				if c.Count != len(chunks) {
					t.Fatalf("chunk %d count %d, want %d", i, c.Count, len(chunks))
				}
				got = append(got, [2]int{c.StartPage, c.EndPage})
			}
			if !reflect.DeepEqual(got, tt.ranges) {
				t.Fatalf("PlanPageRanges(%d, %d) = %v, want %v", tt.pages, tt.max, got, tt.ranges)
			}
		})
	}
}

func TestPlanPageRangesCoversEveryPageOnce(t *testing.T) {
	for pages := 1; pages <= 250; pages++ {
		chunks := PlanPageRanges(pages, 40)
		next := 1
		for _, c := range chunks {
			if c.StartPage != next {
				t.Fatalf("pages=%d: gap or overlap at chunk %d (start %d, want %d)", pages, c.Index, c.StartPage, next)
			}
			if c.EndPage-c.StartPage+1 > 40 {
				t.Fatalf("pages=%d: chunk %d too large", pages, c.Index)
			}
			next = c.EndPage + 1
		}
		if next != pages+1 {
			t.Fatalf("pages=%d: ranges end at %d", pages, next-1)
		}
		if want := (pages + 39) / 40; len(chunks) != want {
			t.Fatalf("pages=%d: %d chunks, want %d", pages, len(chunks), want)
		}
	}
}

func TestPlannerPlan(t *testing.T) {
	p := &Planner{Counter: fixedCounter{pages: 100}, MaxPagesPerChunk: 40}

	plan := p.Plan([]byte("%PDF"), extract.MIMEPDF)
	if len(plan.Chunks) != 3 || plan.TotalPages != 100 {
		t.Fatalf("expected 3 chunks over 100 pages, got %+v", plan)
	}
	if !plan.Chunks[0].Partial() {
		t.Fatalf("expected partial chunks")
	}

	boundary := (&Planner{Counter: fixedCounter{pages: 40}, MaxPagesPerChunk: 40}).Plan(nil, extract.MIMEPDF)
	if len(boundary.Chunks) != 1 || boundary.Chunks[0].Partial() {
		t.Fatalf("expected a single whole-document chunk at the boundary, got %+v", boundary)
	}

	for _, mime := range []string{extract.MIMEDOCX, extract.MIMEText} {
		plan := p.Plan([]byte("text"), mime)
		if len(plan.Chunks) != 1 || plan.Chunks[0].Partial() || plan.Chunks[0].StartPage != 0 {
			t.Fatalf("%s: expected one whole-document chunk, got %+v", mime, plan)
		}
	}
}

func TestPlannerPlanEstimatesUnparsablePDF(t *testing.T) {
	p := NewPlanner(40, 100<<10)
	data := make([]byte, 4100<<10)
	plan := p.Plan(data, extract.MIMEPDF)
	if !plan.PagesEstimated {
		t.Fatalf("expected estimated page count")
	}
	if plan.TotalPages != 41 || len(plan.Chunks) != 2 {
		t.Fatalf("expected 41 estimated pages in 2 chunks, got %d pages / %d chunks", plan.TotalPages, len(plan.Chunks))
	}
}
