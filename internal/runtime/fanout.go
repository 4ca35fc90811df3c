package runtime

import (
	"context"
	"fmt"
	"strings"

	"github.com/basket/kvflow/internal/bus"
	kvotel "github.com/basket/kvflow/internal/otel"
)

// runWire generates from the prompt and publishes the result to the
// task's topic, tagged when a tag is set. The fan-out source role.
func (r *Runner) runWire(ctx context.Context, in TaskInput) (string, error) {
	if in.Topic == "" {
		return "", fmt.Errorf("%w: wire requires a topic", ErrMalformedInput)
	}
	text, err := r.runStart(ctx, in)
	if err != nil {
		return "", err
	}
	r.publish(ctx, in.Topic, in.Tag, text)
	return text, nil
}

// runDesk consumes one message from the task's topic, generates from it,
// and publishes the tagged result to the reply topic. Desks on the same
// topic compete; each message is delivered to exactly one of them.
func (r *Runner) runDesk(ctx context.Context, in TaskInput) (string, error) {
	if in.Topic == "" || in.ReplyTopic == "" {
		return "", fmt.Errorf("%w: desk requires a topic and a reply_topic", ErrMalformedInput)
	}
	msg, err := r.receive(ctx, in.Topic)
	if err != nil {
		return "", err
	}

	c := NewContext(r.fwd, r.table, r.pageSize)
	defer c.Release()
	prompt := in.Prompt
	if prompt != "" {
		prompt += "\n\n"
	}
	text, err := r.generate(ctx, c, in, prompt+msg)
	if err != nil {
		return "", err
	}
	if err := r.export(ctx, in.TaskID, c, nil, text); err != nil {
		return "", err
	}
	r.publish(ctx, in.ReplyTopic, in.Tag, text)
	return text, nil
}

// runEditor blocks until one tagged message per expected tag has
// arrived on the task's topic, then generates over all of them in the
// declared tag order. An arriving tag outside the expected set, or a
// tag arriving twice, is a wiring error and fatal.
func (r *Runner) runEditor(ctx context.Context, in TaskInput) (string, error) {
	if in.Topic == "" || len(in.Expect) == 0 {
		return "", fmt.Errorf("%w: editor requires a topic and expected tags", ErrMalformedInput)
	}

	bodies := make(map[string]string, len(in.Expect))
	expected := make(map[string]bool, len(in.Expect))
	for _, tag := range in.Expect {
		expected[tag] = true
	}
	for len(bodies) < len(in.Expect) {
		msg, err := r.receive(ctx, in.Topic)
		if err != nil {
			return "", err
		}
		tag, body := bus.SplitTag(msg)
		if !expected[tag] {
			return "", fmt.Errorf("unexpected tag %q on topic %q", tag, in.Topic)
		}
		if _, dup := bodies[tag]; dup {
			return "", fmt.Errorf("duplicate tag %q on topic %q", tag, in.Topic)
		}
		bodies[tag] = body
		r.logger.Debug("editor collected section", "task_id", in.TaskID,
			"tag", tag, "have", len(bodies), "want", len(in.Expect))
	}

	var b strings.Builder
	b.WriteString(in.Prompt)
	for _, tag := range in.Expect {
		fmt.Fprintf(&b, "\n\n%s desk:\n%s", tag, bodies[tag])
	}

	c := NewContext(r.fwd, r.table, r.pageSize)
	defer c.Release()
	if err := c.Fill(ctx, r.tok.Tokenize(b.String())); err != nil {
		return "", err
	}
	text, err := r.genText(ctx, c, in)
	if err != nil {
		return "", err
	}
	if err := r.export(ctx, in.TaskID, c, nil, text); err != nil {
		return "", err
	}
	if in.ReplyTopic != "" {
		r.publish(ctx, in.ReplyTopic, in.Tag, text)
	}
	return text, nil
}

func (r *Runner) publish(ctx context.Context, topic, tag, text string) {
	payload := text
	if tag != "" {
		payload = tag + ": " + text
	}
	r.queue.Publish(topic, payload)
	if r.metrics != nil {
		r.metrics.QueueDepth.Add(ctx, 1)
	}
	r.logger.Debug("published", "topic", topic, "tag", tag, "bytes", len(payload))
}

func (r *Runner) receive(ctx context.Context, topic string) (string, error) {
	ctx, span := kvotel.StartConsumerSpan(ctx, r.tracer, "queue.receive",
		kvotel.AttrTopic.String(topic))
	defer span.End()
	msg, err := r.queue.Receive(ctx, topic)
	if err != nil {
		return "", fmt.Errorf("receive on %q: %w", topic, err)
	}
	if r.metrics != nil {
		r.metrics.QueueDepth.Add(ctx, -1)
	}
	return msg, nil
}
