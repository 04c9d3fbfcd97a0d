package pyrus

import "fmt"

// BuildMentionSpan renders the exact markup the Service uses to display a
// person mention inside a comment.
func BuildMentionSpan(personID int, fullname string) string {
	return fmt.Sprintf(`<span data-personid="%d" data-type="user-mention">%s</span>`, personID, fullname)
}

// managerIDs returns the subscriber entries for both managers, or nil
// when either id is missing.
func managerIDs(pair ManagerPair) []MemberInfo {
	if pair.First.ID == 0 || pair.Second.ID == 0 {
		return nil
	}
	return []MemberInfo{{ID: pair.First.ID}, {ID: pair.Second.ID}}
}

// managerMentions builds mention spans for the managers that carry both
// an id and a name.
func managerMentions(pair ManagerPair) []string {
	var mentions []string
	for _, m := range []MemberInfo{pair.First, pair.Second} {
		if m.ID != 0 && m.Fullname != "" {
			mentions = append(mentions, BuildMentionSpan(m.ID, m.Fullname))
		}
	}
	return mentions
}
