// Package batchmail sends one templated transactional email to every address
// on a send list, skipping addresses known to bounce and recording failed
// sends so they can be retried by feeding the failure file back in as a list.
//
// # Basic Usage
//
//	config := batchmail.DefaultConfig()
//	config.Apply(
//		batchmail.WithSendGrid(os.Getenv("SENDGRID_API_KEY")),
//		batchmail.WithSender("news@example.com", "d-0123456789", "June update"),
//	)
//
//	sink, err := batchmail.OpenFailureSink(config.Sources.Failures)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer sink.Close()
//
//	dispatcher, err := batchmail.New(config, sink)
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	summary, err := dispatcher.Run(ctx,
//		batchmail.NewFileSource(config.Sources.Bounces, ""),
//		batchmail.NewFileSource(config.Sources.Recipients, ""),
//	)
//
// # Run Order
//
// Run loads the bounce list first and does not read the send list, or send
// anything, until it has loaded. Every recipient then resolves exactly once:
// skipped when its address is on the bounce list, otherwise succeeded or
// failed according to the gateway. Failures are appended to the failure sink
// before the completion callbacks registered with OnComplete fire.
//
// # Supported Providers
//
//   - SendGrid dynamic templates (default)
//   - AWS SES templated email
//   - Mailgun stored templates
//   - SMTP with locally rendered templates
package batchmail
