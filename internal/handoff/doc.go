// Package handoff routes live conversations from the automated agent to
// human operators. It defines the Detector (pure trigger analysis), Router
// (capacity-safe operator allocation and queueing), Service (escalation
// lifecycle), the store interfaces they depend on, and the domain models.
package handoff
