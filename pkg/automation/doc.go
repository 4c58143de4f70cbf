// Package automation is the boundary to the browser that performs
// Instagram actions.
//
// The send and scrape loops depend only on the Adapter interface. The
// shipped implementation, Client, talks JSON over HTTP to a driver process
// that owns the headless browsers; the dialog HTML it returns is parsed
// locally with goquery. Each Client opens its own driver browser and tags
// every request with its id, so the send loop and scrape workers never
// act in the same page.
//
// Example usage:
//
//	client := automation.NewClient(cfg.Browser, log)
//	if err := client.Open(ctx); err != nil {
//	    // driver unreachable
//	}
//	defer client.Close()
//
//	active, err := client.UseSession(ctx, sess.Cookies)
//	if err != nil || !active {
//	    // session is unusable
//	}
//
//	res, err := client.Send(ctx, "someone", "hello")
//	switch errors.TypeOf(err) {
//	case errors.ErrorTypeStructural:
//	    // res.Reason is user_not_found or no_compose; do not retry
//	case errors.ErrorTypeTransient, errors.ErrorTypeNetwork:
//	    // worth another attempt
//	}
package automation
