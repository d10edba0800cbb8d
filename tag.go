package tagbox

import (
	"fmt"
	"strings"
)

// Tag references a logical entity as "group:content". Consistency tags
// take part in write reservations; index tags are descriptive only
type Tag struct {
	Group   string
	Content string
	Index   bool
}

const tagSep = ":"

// NewTag returns a consistency tag
func NewTag(group, content string) Tag {
	return Tag{Group: group, Content: content}
}

// NewIndexTag returns a tag that is written with events but never reserved
func NewIndexTag(group, content string) Tag {
	return Tag{Group: group, Content: content, Index: true}
}

// ParseTag parses the "group:content" form. The result is a consistency tag
func ParseTag(str string) (Tag, error) {
	group, content, ok := strings.Cut(str, tagSep)
	if !ok || group == "" || content == "" {
		return Tag{}, fmt.Errorf("%w: %q", ErrInvalidTag, str)
	}
	return NewTag(group, content), nil
}

// IsConsistencyTag reports whether writers must reserve this tag
func (t Tag) IsConsistencyTag() bool {
	return !t.Index
}

func (t Tag) String() string {
	return t.Group + tagSep + t.Content
}

// Tags renders a list of tags to their string form
func Tags(tags ...Tag) []string {
	res := make([]string, len(tags))
	for i, t := range tags {
		res[i] = t.String()
	}
	return res
}
