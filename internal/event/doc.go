// Package event defines the derived events broadcast to live subscribers.
//
// A derived event is produced once per accepted reading (or operator
// announcement) and carries a per-(topic, origin) sequence number that
// relays use to suppress duplicates.
package event
