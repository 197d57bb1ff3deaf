package comments

import "github.com/sergi/go-diff/diffmatchpatch"

// Range is a half-open [From, To) rune interval into a snapshot.
type Range struct {
	From int
	To   int
}

func (r Range) valid() bool { return r.From >= 0 && r.To > r.From }

// edit is one contiguous change, positioned in the old text's rune
// coordinates. A replace carries both a deleted and an inserted length.
type edit struct {
	start  int
	delLen int
	insLen int
}

func computeEdits(before, after string) []edit {
	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(before, after, false)

	var edits []edit
	pos := 0
	for i := 0; i < len(diffs); i++ {
		d := diffs[i]
		n := len([]rune(d.Text))
		switch d.Type {
		case diffmatchpatch.DiffEqual:
			pos += n
		case diffmatchpatch.DiffDelete:
			e := edit{start: pos, delLen: n}
			if i+1 < len(diffs) && diffs[i+1].Type == diffmatchpatch.DiffInsert {
				e.insLen = len([]rune(diffs[i+1].Text))
				i++
			}
			edits = append(edits, e)
			pos += n
		case diffmatchpatch.DiffInsert:
			edits = append(edits, edit{start: pos, insLen: n})
		}
	}
	return edits
}

// remapRange maps an anchor range through the edits between two
// snapshots. ok=false orphans the anchor: the range was deleted, or a
// deletion began inside it and there is no unambiguous new position.
// Deletions that merely reach into the range from the left shift it by
// the full deleted length; insertions at or before From shift the whole
// range, insertions inside it extend To.
func remapRange(r Range, edits []edit) (Range, bool) {
	shiftFrom, shiftTo := 0, 0
	for _, e := range edits {
		if e.delLen > 0 {
			delEnd := e.start + e.delLen
			switch {
			case delEnd <= r.From:
				shiftFrom += e.insLen - e.delLen
				shiftTo += e.insLen - e.delLen
			case r.From >= e.start && r.To <= delEnd:
				return Range{}, false
			case e.start >= r.From && e.start < r.To:
				return Range{}, false
			case e.start < r.From:
				shiftFrom += e.insLen - e.delLen
				shiftTo += e.insLen - e.delLen
			}
			continue
		}
		if e.start <= r.From {
			shiftFrom += e.insLen
			shiftTo += e.insLen
		} else if e.start < r.To {
			shiftTo += e.insLen
		}
	}

	mapped := Range{From: r.From + shiftFrom, To: r.To + shiftTo}
	if !mapped.valid() {
		return Range{}, false
	}
	return mapped, true
}
