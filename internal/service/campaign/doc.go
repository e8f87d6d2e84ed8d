// Package campaign implements campaign lifecycle management and job emission.
//
// The service layer contains the business logic for starting, pausing,
// resuming, and completing bulk-messaging campaigns, including exploding a
// campaign's recipient list into per-recipient delivery jobs on the delayed
// queue. It depends on repository interfaces defined in this package and
// should never import from api/.
//
// Repository implementations live in repository/postgres/.
package campaign
