package bridge

import (
	"sync"

	"github.com/stagelink/stagelink/protocol"
)

// sequencer allocates outbound sequence numbers at send time, under the
// same lock as the send itself. Allocating at buffer time would let a
// racing debounce flush and structural command leave in the wrong order.
type sequencer struct {
	sendLock       sync.Mutex
	sequenceNumber uint64
}

func (self *sequencer) sendSequenced(channel Channel, build func(sequenceNumber uint64) protocol.Message) (uint64, error) {
	self.sendLock.Lock()
	defer self.sendLock.Unlock()

	sequenceNumber := self.sequenceNumber + 1
	if err := channel.Send(build(sequenceNumber)); err != nil {
		return 0, err
	}
	self.sequenceNumber = sequenceNumber
	return sequenceNumber, nil
}

func (self *sequencer) LastSequenceNumber() uint64 {
	self.sendLock.Lock()
	defer self.sendLock.Unlock()
	return self.sequenceNumber
}
