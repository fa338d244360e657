package activity

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/s3mirror/s3mirror/internal/transfer"
)

func TestClassify(t *testing.T) {
	assert.Equal(t, OutcomeOK, Classify(true, nil))
	assert.Equal(t, OutcomeSkipped, Classify(false, nil))
	assert.Equal(t, OutcomeIntegrity, Classify(false, fmt.Errorf("dispatch: %w", &transfer.IntegrityError{Op: "push"})))
	assert.Equal(t, OutcomeTransport, Classify(false, &transfer.TransportError{Op: "put", Err: errors.New("reset")}))
	assert.Equal(t, OutcomeFailed, Classify(false, errors.New("open: no such file")))
}

func TestStampFanout(t *testing.T) {
	var a, b Collector
	obs := Stamp("run-1", Fanout{&a, nil, &b})
	obs.Observe(Record{Op: OpPush, Key: "k"})

	assert.Len(t, a.Records(), 1)
	assert.Equal(t, "run-1", b.Records()[0].RunID)
}
