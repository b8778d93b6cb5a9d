package session

import (
	"github.com/sheetsmith/sheetsmith/pkg/configsync"
	"github.com/sheetsmith/sheetsmith/pkg/layout"
)

// View is the render model of the layout: sections in their current order,
// each with its derived state and children.
type View struct {
	Sections []SectionView     `json:"sections"`
	Document string            `json:"document,omitempty"`
	Preview  string            `json:"preview,omitempty"`
	Selected int               `json:"selected"`
	Total    int               `json:"total"`
	Source   configsync.Source `json:"source"`
}

// SectionView is one section row.
type SectionView struct {
	Key      string           `json:"key"`
	Label    string           `json:"label"`
	State    layout.State     `json:"state"`
	Included bool             `json:"included"`
	Position int              `json:"position"`
	First    bool             `json:"first"`
	Last     bool             `json:"last"`
	Children []SubsectionView `json:"children"`
}

// SubsectionView is one subsection row.
type SubsectionView struct {
	Key      string `json:"key"`
	Label    string `json:"label"`
	Included bool   `json:"included"`
}

// View derives the render model from the current state.
func (s *Session) View() View {
	s.mu.Lock()
	defer s.mu.Unlock()

	order := s.ord.Keys()
	v := View{
		Sections: make([]SectionView, 0, len(order)),
		Selected: s.sel.SelectedCount(),
		Source:   s.source,
	}
	if s.document != nil {
		v.Document = *s.document
	}
	if s.preview != nil {
		v.Preview = *s.preview
	}

	for i, key := range order {
		sec, _ := s.schema.Section(key)
		st, _ := s.sel.Derived(key)

		sv := SectionView{
			Key:      sec.Key,
			Label:    sec.Label,
			State:    st,
			Included: st != layout.Unselected,
			Position: i,
			First:    i == 0,
			Last:     i == len(order)-1,
			Children: make([]SubsectionView, 0, len(sec.Children)),
		}
		for _, child := range sec.Children {
			on, _ := s.sel.Leaf(child.Key)
			sv.Children = append(sv.Children, SubsectionView{
				Key:      child.Key,
				Label:    child.Label,
				Included: on,
			})
		}
		v.Total += len(sec.Children)
		v.Sections = append(v.Sections, sv)
	}

	return v
}
