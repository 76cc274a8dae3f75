package engine

import (
	"fmt"
	"time"

	"github.com/sprucehealth/ivrdialer/model"
)

// DefaultInterCallDelay is the pause between campaign calls
const DefaultInterCallDelay = 2 * time.Second

// Decision is what the campaign wants after a call ends
type Decision int

const (
	// DecisionNone means the call did not belong to a running campaign
	DecisionNone Decision = iota
	// DecisionGate means the campaign waits for the operator
	DecisionGate
	// DecisionAdvance means the next contact should be dialed after the inter-call delay
	DecisionAdvance
	// DecisionComplete means the contact list is exhausted
	DecisionComplete
)

// Selection is the contact chosen for the next campaign call
type Selection struct {
	Index   int
	Contact model.Contact
	Phone   string
	// Skipped lists the indexes passed over for lacking a valid phone number
	Skipped []int
}

// Campaign sequences calls through a contact list.
//
// Not safe for concurrent use; the Engine serializes access.
type Campaign struct {
	phase                model.CampaignPhase
	contacts             []model.Contact
	index                int
	auto                 bool
	pending              bool
	delay                time.Duration
	confirmationRequired bool
}

// NewCampaign creates an idle campaign
func NewCampaign(delay time.Duration, confirmationRequired bool) *Campaign {
	if delay < 0 {
		delay = 0
	}
	return &Campaign{
		phase:                model.CampaignIdle,
		delay:                delay,
		confirmationRequired: confirmationRequired,
	}
}

// Load replaces the contact list. It is refused while the campaign is running.
func (c *Campaign) Load(contacts []model.Contact) error {
	if c.auto {
		return fmt.Errorf("load contacts: %w", ErrCampaignState)
	}
	if len(contacts) == 0 {
		return ErrNoContacts
	}
	c.contacts = append([]model.Contact(nil), contacts...)
	c.index = 0
	c.pending = false
	c.phase = model.CampaignReady
	return nil
}

// Start enters auto mode at the current index. A completed campaign starts over.
func (c *Campaign) Start() error {
	if len(c.contacts) == 0 {
		return ErrNoContacts
	}
	switch c.phase {
	case model.CampaignReady:
	case model.CampaignCompleted:
		c.index = 0
	default:
		return fmt.Errorf("start campaign in phase %s: %w", c.phase, ErrCampaignState)
	}
	c.auto = true
	c.pending = false
	c.phase = model.CampaignRunning
	return nil
}

// Running reports whether the campaign is dialing on its own
func (c *Campaign) Running() bool {
	return c.auto && c.phase == model.CampaignRunning
}

// Next picks the contact at the current index, skipping contacts without a
// valid phone number. ok is false when the list is exhausted, in which case
// the campaign is completed.
func (c *Campaign) Next() (sel Selection, ok bool) {
	for c.index < len(c.contacts) {
		contact := c.contacts[c.index]
		if phone := ContactPhone(contact); phone != "" {
			sel.Index = c.index
			sel.Contact = contact
			sel.Phone = phone
			return sel, true
		}
		sel.Skipped = append(sel.Skipped, c.index)
		c.index++
	}
	c.complete()
	return sel, false
}

// CallEnded applies the end of a campaign call with final state st
func (c *Campaign) CallEnded(st model.CallState) Decision {
	if !c.Running() {
		return DecisionNone
	}
	if c.confirmationRequired || st == model.CallError {
		c.pending = true
		c.phase = model.CampaignAwaitingConfirmation
		return DecisionGate
	}
	c.index++
	if c.index >= len(c.contacts) {
		c.complete()
		return DecisionComplete
	}
	return DecisionAdvance
}

// Proceed releases the confirmation gate and moves to the next contact.
// completed is true when that exhausts the list.
func (c *Campaign) Proceed() (completed bool, err error) {
	if c.phase != model.CampaignAwaitingConfirmation {
		return false, fmt.Errorf("proceed in phase %s: %w", c.phase, ErrCampaignState)
	}
	c.pending = false
	c.index++
	if c.index >= len(c.contacts) {
		c.complete()
		return true, nil
	}
	c.phase = model.CampaignRunning
	return false, nil
}

// Retry releases the confirmation gate and redials the current contact
func (c *Campaign) Retry() error {
	if c.phase != model.CampaignAwaitingConfirmation {
		return fmt.Errorf("retry in phase %s: %w", c.phase, ErrCampaignState)
	}
	c.pending = false
	c.phase = model.CampaignRunning
	return nil
}

// Stop leaves auto mode and rewinds to the first contact
func (c *Campaign) Stop() {
	c.auto = false
	c.pending = false
	c.index = 0
	if len(c.contacts) > 0 {
		c.phase = model.CampaignReady
	} else {
		c.phase = model.CampaignIdle
	}
}

func (c *Campaign) complete() {
	c.auto = false
	c.pending = false
	c.phase = model.CampaignCompleted
}

// SetDelay sets the inter-call delay. Negative values are treated as zero.
func (c *Campaign) SetDelay(d time.Duration) {
	if d < 0 {
		d = 0
	}
	c.delay = d
}

// Delay returns the inter-call delay
func (c *Campaign) Delay() time.Duration {
	return c.delay
}

// SetConfirmationRequired toggles the operator gate between calls
func (c *Campaign) SetConfirmationRequired(v bool) {
	c.confirmationRequired = v
}

// Phase returns the campaign phase
func (c *Campaign) Phase() model.CampaignPhase {
	return c.phase
}

// State returns a snapshot of the campaign
func (c *Campaign) State() model.CampaignState {
	return model.CampaignState{
		Phase:                c.phase,
		Contacts:             append([]model.Contact(nil), c.contacts...),
		CurrentIndex:         c.index,
		AutoModeEnabled:      c.auto,
		PendingConfirmation:  c.pending,
		InterCallDelay:       c.delay,
		ConfirmationRequired: c.confirmationRequired,
	}
}
