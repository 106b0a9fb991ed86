// Package webhook implements HMAC-verified push and merge request webhooks
// that create pipelines.
//
// Each endpoint is bound to one configured project and one provider.
// GitHub deliveries are verified with X-Hub-Signature-256 ("sha256=<hex>");
// GitLab deliveries with the shared X-Gitlab-Token, or with an HMAC header
// when signature_header names a different one.
//
//	webhooks:
//	  listen: "127.0.0.1:8081"
//	  endpoints:
//	    - path: /webhook/github
//	      project: api
//	      provider: github
//	      secret: ${GITHUB_WEBHOOK_SECRET}
//	      max_body_size: 1MB
//
// # Request Flow
//
//  1. Body size checked (413 if too large)
//  2. Signature header verified in constant time (403 on any mismatch, no details)
//  3. Payload mapped to a trigger context: push, tag push and merge request
//     events. Other events, branch deletions and closed merge requests get 204.
//  4. Pipeline created for the endpoint's project: 202 with the pipeline ID,
//     or 204 when workflow rules filtered it.
package webhook
