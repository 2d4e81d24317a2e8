package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/streadway/amqp"

	cache "github.com/tsuzuku-app/tsuzuku/backend/storage/cache"
	"github.com/tsuzuku-app/tsuzuku/backend/streak"
)

// globalCount is used in the round robin algorithm to assign producers to each reminder message.
var globalCount int

// dedupeTTL is how long a processed reminder id is remembered. Reminders are
// re-published by every reconciliation run while a habit stays at risk, so
// this only needs to cover redeliveries of one run's messages.
const dedupeTTL = 72 * time.Hour

// Notifier is the delivery boundary for at-risk reminders. How a reminder
// actually reaches the user (email, push, chat bot) is an external concern;
// the queue only guarantees each message id is handed over once.
type Notifier interface {
	Notify(ctx context.Context, message *ReminderMessage) error
}

// LogNotifier is the default Notifier: it writes the reminder to the process
// log and nothing else.
type LogNotifier struct{}

func (LogNotifier) Notify(ctx context.Context, message *ReminderMessage) error {
	log.Printf("reminder: habit %q (user %s) is %s, streak %d", message.HabitName, message.UserID, message.State, message.CurrentStreak)
	return nil
}

// ReminderMessage is the content of an at-risk streak reminder. Id is unique
// per (habit, day) so a habit at risk is reminded at most once per day even
// if the reconciliation job runs twice.
type ReminderMessage struct {
	Id            string       `json:"id"`
	HabitID       string       `json:"habit_id"`
	UserID        string       `json:"user_id"`
	HabitName     string       `json:"habit_name"`
	State         streak.State `json:"state"`
	CurrentStreak int          `json:"current_streak"`
	Day           string       `json:"day"`
}

// ReminderProducerFactory is a struct for creating new ReminderProducer instances.
type ReminderProducerFactory struct{}

// ReminderConsumerFactory is a struct for creating new ReminderConsumer instances.
// It carries the cache used for dedupe and the notifier messages are handed to.
type ReminderConsumerFactory struct {
	Cache    cache.CacheInterface
	Notifier Notifier
}

// ReminderProducer is a struct for managing the connection, channel, and queue of the AMQP message producer for reminders.
type ReminderProducer struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	queue   *amqp.Queue
}

// ReminderConsumer is a struct for managing the connection, channel, queue, cache and notifier of the AMQP message consumer for reminders.
type ReminderConsumer struct {
	conn     *amqp.Connection
	channel  *amqp.Channel
	queue    *amqp.Queue
	cache    cache.CacheInterface
	notifier Notifier
}

// CreateProducer is a method on ReminderProducerFactory for creating a new instance of ReminderProducer
// with the given connection, channel, and queue.
func (f *ReminderProducerFactory) CreateProducer(conn *amqp.Connection, ch *amqp.Channel, queue *amqp.Queue) (Producer, error) {
	return &ReminderProducer{
		conn:    conn,
		channel: ch,
		queue:   queue,
	}, nil
}

// CreateConsumer is a method on ReminderConsumerFactory for creating a new instance of ReminderConsumer
// with the given connection, channel, and queue, plus the factory's cache and notifier.
func (f *ReminderConsumerFactory) CreateConsumer(conn *amqp.Connection, ch *amqp.Channel, queue *amqp.Queue) (Consumer, error) {
	notifier := f.Notifier
	if notifier == nil {
		notifier = LogNotifier{}
	}
	return &ReminderConsumer{
		conn:     conn,
		channel:  ch,
		queue:    queue,
		cache:    f.Cache,
		notifier: notifier,
	}, nil
}

// Publish is a method on ReminderProducer for publishing a message body to the AMQP queue.
// Returns an error if there was a problem with publishing the message.
func (rp *ReminderProducer) Publish(body []byte) error {
	err := rp.channel.Publish(
		"",            // exchange
		rp.queue.Name, // routing key
		false,         // mandatory
		false,         // immediate
		amqp.Publishing{
			ContentType: "application/json",
			Body:        body,
		})
	if err != nil {
		return fmt.Errorf("failed to publish a message: %w", err)
	}

	return nil
}

// Consume is a method on ReminderConsumer for consuming messages from the AMQP queue.
// It sets up a consumer on the queue and launches a goroutine that continuously reads from it.
// Each message is unmarshalled, checked against the cache for an already-processed id, and
// either handed to the notifier or discarded. Transient failures are nacked for redelivery.
// Returns a channel of deliveries from the queue and an error if there was a problem setting up the consumer.
func (rc *ReminderConsumer) Consume(ctx context.Context) (<-chan amqp.Delivery, error) {
	msgs, err := rc.channel.Consume(
		rc.queue.Name,
		"",
		false,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return nil, err
	}

	go func() {
		for {
			select {
			case d, ok := <-msgs:

				if !ok {
					return
				}

				message := &ReminderMessage{}
				if err := json.Unmarshal(d.Body, message); err != nil {
					log.Printf("failed to unmarshal reminder message: %v", err)
					d.Nack(false, true) // requeue the message in case of transient error.
					continue
				}

				// Fetch processed state from cache.
				var processed bool
				err := rc.cache.Get(ctx, "reminder_"+message.Id, &processed)
				if err != nil && err != cache.ErrCacheMiss {
					log.Printf("error checking cache: %v", err)
					d.Nack(false, true) // requeue the message in case of transient error.
					continue
				}

				if processed {
					d.Ack(false)
					continue
				}

				// The message has not been processed, hand it to the notifier.
				if err := rc.notifier.Notify(ctx, message); err != nil {
					log.Printf("failed to deliver reminder: %v", err)
					d.Nack(false, true) // requeue the message in case of transient error.
				} else {
					d.Ack(false)
					if err := rc.cache.Set(ctx, "reminder_"+message.Id, true, dedupeTTL); err != nil {
						log.Printf("failed to set key in cache: %v", err)
					}
				}

			case <-ctx.Done():
				return
			}
		}
	}()

	return msgs, nil
}

// BuildReminderQueue initializes a new Queue for at-risk streak reminders with the given
// number of producers and consumers, the cache used for dedupe, and the notifier the
// consumers deliver to (nil means the logging notifier).
// Returns the initialized Queue.
func BuildReminderQueue(rabbitMQURL string, numProducers int, numConsumers int, reminderCache cache.CacheInterface, notifier Notifier) *Queue {

	prodFactories := make([]ProducerFactory, numProducers)
	for i := 0; i < numProducers; i++ {
		prodFactories[i] = &ReminderProducerFactory{}
	}

	consFactories := make([]ConsumerFactory, numConsumers)
	for i := 0; i < numConsumers; i++ {
		consFactories[i] = &ReminderConsumerFactory{Cache: reminderCache, Notifier: notifier}
	}

	queue := InitQueue(rabbitMQURL, "reminderQueue", prodFactories, consFactories)
	return queue
}

// ProcessReminder serializes a reminder message and publishes it onto the queue using
// one of the producers in a round-robin manner.
// Returns an error if there was a problem with any step of the process.
func ProcessReminder(message *ReminderMessage, reminderQueue *Queue) error {

	body, err := json.Marshal(message)
	if err != nil {
		return errors.New("failed to marshal reminder message: " + err.Error())
	}

	producerCount := len(reminderQueue.Producers)
	if producerCount == 0 {
		return errors.New("no producers available")
	}

	producer := reminderQueue.Producers[globalCount%producerCount]
	globalCount++

	if err := producer.Publish(body); err != nil {
		return errors.New("failed to publish reminder message: " + err.Error())
	}

	return nil
}
