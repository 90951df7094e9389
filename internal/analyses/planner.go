package analyses

import (
	"t3rms-backend/internal/extract"
)

// DefaultMaxPagesPerChunk bounds a chunk when the planner is not configured.
const DefaultMaxPagesPerChunk = 40

// Chunk is one unit of LLM work. Pages are 1-based and inclusive; both are
// zero for a non-paginated document.
type Chunk struct {
	Index      int
	StartPage  int
	EndPage    int
	TotalPages int
	Count      int
}

// Partial reports whether the chunk covers only part of the document.
func (c Chunk) Partial() bool {
	return c.Count > 1
}

// Plan is the partitioning of one document.
type Plan struct {
	Chunks         []Chunk
	TotalPages     int
	PagesEstimated bool
}

// PageCounter counts the pages of a PDF; estimated is true when the count
// comes from a size heuristic rather than the document itself.
type PageCounter interface {
	CountPages(data []byte) (pages int, estimated bool)
}

// Planner decides how a document is split.
type Planner struct {
	Counter          PageCounter
	MaxPagesPerChunk int
}

// NewPlanner builds a planner backed by the PDF page counter.
func NewPlanner(maxPagesPerChunk int, bytesPerPage int64) *Planner {
	return &Planner{
		Counter:          extract.PDFPageCounter{BytesPerPage: bytesPerPage},
		MaxPagesPerChunk: maxPagesPerChunk,
	}
}

// Plan partitions data of the given normalized MIME type. Only PDFs are
// split; everything else is a single whole-document chunk.
func (p *Planner) Plan(data []byte, mimeType string) Plan {
	if !extract.IsPaginated(mimeType) {
		return Plan{Chunks: []Chunk{{Index: 0, Count: 1}}}
	}

	counter := p.Counter
	if counter == nil {
		counter = extract.PDFPageCounter{}
	}
	pages, estimated := counter.CountPages(data)
	return Plan{
		Chunks:         PlanPageRanges(pages, p.MaxPagesPerChunk),
		TotalPages:     pages,
		PagesEstimated: estimated,
	}
}

// PlanPageRanges splits totalPages into consecutive ranges of at most
// maxPerChunk pages. A document of exactly maxPerChunk pages is one chunk.
func PlanPageRanges(totalPages, maxPerChunk int) []Chunk {
	if totalPages < 1 {
		totalPages = 1
	}
	if maxPerChunk < 1 {
		maxPerChunk = DefaultMaxPagesPerChunk
	}

	count := (totalPages + maxPerChunk - 1) / maxPerChunk
	chunks := make([]Chunk, 0, count)
	for i := 0; i < count; i++ {
		start := i*maxPerChunk + 1
		end := min(start+maxPerChunk-1, totalPages)
		chunks = append(chunks, Chunk{
			Index:      i,
			StartPage:  start,
			EndPage:    end,
			TotalPages: totalPages,
			Count:      count,
		})
	}
	return chunks
}
