// Package stats defines the statistics events fired by the ingestion path and
// an in-memory reporter that aggregates them into a JSON snapshot.
package stats

// Reporter receives discrete counter and histogram events.
// Implementations must be safe for concurrent use.
type Reporter interface {
	ReceivedUDPSimpleMessage()
	ReceivedUDPInvalidVersion()
	ReceivedV0InvalidType()
	ReceivedV0InvalidMultipartHeader()
	ReceivedV0Command()
	ReceivedUnknownCommand()
	ReceivedV0MultipartMessage()
	ReceivedV0MultipartFragment(index int)
	ReceivedV0InvalidChecksum(fragments int)
	ReceivedV0InvalidMultipartFragment(index, expectedFragments int)
	MissingFragmentInDroppedMessage(index, expectedFragments int)
	FoundHolesFromNewMessage(holes int)
	FoundHolesFromDeadPort(holes int)
	FailedToSend()
	Exception()
	UnhandledObject()
}

// Multi fans every event out to several reporters.
type Multi []Reporter

var _ Reporter = Multi(nil)

func (m Multi) ReceivedUDPSimpleMessage() {
	for _, r := range m {
		r.ReceivedUDPSimpleMessage()
	}
}

func (m Multi) ReceivedUDPInvalidVersion() {
	for _, r := range m {
		r.ReceivedUDPInvalidVersion()
	}
}

func (m Multi) ReceivedV0InvalidType() {
	for _, r := range m {
		r.ReceivedV0InvalidType()
	}
}

func (m Multi) ReceivedV0InvalidMultipartHeader() {
	for _, r := range m {
		r.ReceivedV0InvalidMultipartHeader()
	}
}

func (m Multi) ReceivedV0Command() {
	for _, r := range m {
		r.ReceivedV0Command()
	}
}

func (m Multi) ReceivedUnknownCommand() {
	for _, r := range m {
		r.ReceivedUnknownCommand()
	}
}

func (m Multi) ReceivedV0MultipartMessage() {
	for _, r := range m {
		r.ReceivedV0MultipartMessage()
	}
}

func (m Multi) ReceivedV0MultipartFragment(index int) {
	for _, r := range m {
		r.ReceivedV0MultipartFragment(index)
	}
}

func (m Multi) ReceivedV0InvalidChecksum(fragments int) {
	for _, r := range m {
		r.ReceivedV0InvalidChecksum(fragments)
	}
}

func (m Multi) ReceivedV0InvalidMultipartFragment(index, expectedFragments int) {
	for _, r := range m {
		r.ReceivedV0InvalidMultipartFragment(index, expectedFragments)
	}
}

func (m Multi) MissingFragmentInDroppedMessage(index, expectedFragments int) {
	for _, r := range m {
		r.MissingFragmentInDroppedMessage(index, expectedFragments)
	}
}

func (m Multi) FoundHolesFromNewMessage(holes int) {
	for _, r := range m {
		r.FoundHolesFromNewMessage(holes)
	}
}

func (m Multi) FoundHolesFromDeadPort(holes int) {
	for _, r := range m {
		r.FoundHolesFromDeadPort(holes)
	}
}

func (m Multi) FailedToSend() {
	for _, r := range m {
		r.FailedToSend()
	}
}

func (m Multi) Exception() {
	for _, r := range m {
		r.Exception()
	}
}

func (m Multi) UnhandledObject() {
	for _, r := range m {
		r.UnhandledObject()
	}
}
