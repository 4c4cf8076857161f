// Package notify delivers OTPs and reset links over SMS and email.
//
// Implementations never log message bodies. [Log] is the development
// stand-in; [SNS] and [SMTP] are production transports; [Router] and
// [Throttle] compose them.
package notify
