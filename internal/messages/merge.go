package messages

import "sort"

// PresenceFunc reports whether the local file behind an attachment still exists.
type PresenceFunc func(Attachment) bool

// Merge reconciles existing with incoming by nonce. Messages present on both
// sides are merged field by field, incoming-only messages are added, and the
// result is ordered by sent date (ties by nonce). Merging the same incoming
// batch twice yields the same list as merging it once.
func Merge(existing, incoming []Message, present PresenceFunc) []Message {
	if present == nil {
		present = func(Attachment) bool { return false }
	}
	byNonce := make(map[string]Message, len(existing)+len(incoming))
	order := make([]string, 0, len(existing)+len(incoming))

	add := func(m Message) {
		cur, ok := byNonce[m.Nonce]
		if !ok {
			byNonce[m.Nonce] = m.Clone()
			order = append(order, m.Nonce)
			return
		}
		byNonce[m.Nonce] = mergeMessage(cur, m, present)
	}
	for _, m := range existing {
		add(m)
	}
	for _, m := range incoming {
		add(m)
	}

	out := make([]Message, 0, len(order))
	for _, n := range order {
		out = append(out, byNonce[n])
	}
	Sort(out)
	return out
}

// Sort orders messages by sent date, then nonce.
func Sort(ms []Message) {
	sort.SliceStable(ms, func(i, j int) bool {
		if !ms[i].SentDate.Equal(ms[j].SentDate) {
			return ms[i].SentDate.Before(ms[j].SentDate)
		}
		return ms[i].Nonce < ms[j].Nonce
	})
}

func mergeMessage(e, in Message, present PresenceFunc) Message {
	out := e.Clone()
	if in.ServerID != "" {
		out.ServerID = in.ServerID
	}
	if in.Body != "" {
		out.Body = in.Body
	}
	if in.Sender != nil {
		s := *in.Sender
		out.Sender = &s
	}
	if !in.SentDate.IsZero() {
		out.SentDate = in.SentDate
	}
	out.Status = mergeStatus(e.Status, in.Status)
	out.Automated = in.Automated
	out.Hidden = in.Hidden
	if in.CustomData != nil {
		out.CustomData.Merge(in.CustomData)
	}
	if len(in.Attachments) > 0 {
		out.Attachments = make([]Attachment, len(in.Attachments))
		for i, ia := range in.Attachments {
			if i < len(e.Attachments) {
				out.Attachments[i] = mergeAttachment(e.Attachments[i], ia, present)
			} else {
				out.Attachments[i] = ia.Clone()
			}
		}
	}
	return out
}

// mergeStatus keeps read sticky; otherwise the incoming status wins when set.
func mergeStatus(existing, incoming Status) Status {
	switch {
	case existing == StatusRead || incoming == StatusRead:
		return StatusRead
	case incoming != "":
		return incoming
	}
	return existing
}

func mergeAttachment(e, in Attachment, present PresenceFunc) Attachment {
	out := in.Clone()
	if out.ContentType == "" {
		out.ContentType = e.ContentType
	}
	if out.Filename == "" {
		out.Filename = e.Filename
	}
	switch e.Storage.(type) {
	case Cached, Saved:
		if present(e) {
			out.Storage = e.Storage
		}
	}
	if out.Storage == nil {
		out.Storage = e.Clone().Storage
	}
	if len(out.Thumbnail) == 0 && len(e.Thumbnail) > 0 {
		out.Thumbnail = append([]byte(nil), e.Thumbnail...)
	}
	return out
}
