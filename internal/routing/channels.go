// Package routing resolves webhook addresses to recipients and computes
// pub/sub channel names.
package routing

// Channel names are pure functions of their inputs. Publisher and subscriber
// never coordinate: any party holding the same ids computes the same string.

// ConversationChannel names the channel carrying message events for one
// conversation as seen by one recipient.
func ConversationChannel(recipientID, conversationID string) string {
	return "sms:" + recipientID + ":" + conversationID
}

// DirectoryChannel names the channel carrying contact-directory updates for
// a recipient.
func DirectoryChannel(recipientID string) string {
	return "dir:" + recipientID
}

// PresenceChannel names the channel carrying assignment and presence changes
// for a recipient.
func PresenceChannel(recipientID string) string {
	return "presence:" + recipientID
}
